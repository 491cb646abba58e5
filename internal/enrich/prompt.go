package enrich

import (
	"fmt"
	"strings"

	"github.com/sells-group/locsync/internal/model"
)

var systemPrompt = buildSystemPrompt()

func buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString(`You extract facts about a social service provider from scraped text.
Reply with one JSON object and nothing else:

{"organization": {...}, "location": {...}, "service": {...}, "confidence": 0.0}

Each section maps field names to string values. Use only these fields:
`)
	for _, t := range []model.EntityType{model.EntityOrganization, model.EntityLocation, model.EntityService} {
		fmt.Fprintf(&b, "- %s: %s\n", t, strings.Join(model.KnownFields[t], ", "))
	}
	b.WriteString(`
Rules:
- Copy values from the text. Never guess a phone number, email, website or address that is not written in it.
- Omit a field you cannot find. Use null only when the text says the value no longer applies.
- state_province is the two-letter postal code. latitude and longitude are decimal degrees.
- status is one of: active, inactive, defunct, temporarily closed.
- Omit "service" when the text describes no specific service.
- confidence is your 0 to 1 estimate that the organization and location are correct.`)
	return b.String()
}

func userPrompt(c model.CandidateRecord, maxChars int) string {
	text := c.SourceText()
	if r := []rune(text); len(r) > maxChars {
		text = string(r[:maxChars])
	}
	var b strings.Builder
	if c.SourceURL != "" {
		fmt.Fprintf(&b, "Source URL: %s\n", c.SourceURL)
	}
	b.WriteString("Text:\n")
	b.WriteString(text)
	return b.String()
}
