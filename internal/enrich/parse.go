package enrich

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/locsync/internal/model"
)

// reply is the JSON shape the model is asked for.
type reply struct {
	Organization map[string]any `json:"organization"`
	Location     map[string]any `json:"location"`
	Service      map[string]any `json:"service"`
	Confidence   *float64       `json:"confidence"`
}

// parseEnrichment decodes a model reply. A reply that is not a JSON object
// is a transient failure: the next attempt may well produce one.
func parseEnrichment(text string) (*model.Enrichment, error) {
	cleaned := cleanJSON(text)
	var r reply
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return nil, eris.Wrap(err, "enrich: parse reply")
	}
	if r.Organization == nil && r.Location == nil {
		return nil, eris.New("enrich: reply has no organization or location")
	}
	return &model.Enrichment{
		Organization: toFieldSet(r.Organization),
		Location:     toFieldSet(r.Location),
		Service:      toFieldSet(r.Service),
		Confidence:   r.Confidence,
	}, nil
}

func toFieldSet(m map[string]any) model.FieldSet {
	if m == nil {
		return nil
	}
	fs := make(model.FieldSet, len(m))
	for k, v := range m {
		key := strings.ToLower(strings.TrimSpace(k))
		switch val := v.(type) {
		case nil:
			fs[key] = nil
		case string:
			if s := strings.TrimSpace(val); s != "" {
				fs.Set(key, s)
			}
		case float64:
			fs.Set(key, strconv.FormatFloat(val, 'f', -1, 64))
		case bool:
			fs.Set(key, strconv.FormatBool(val))
		default:
			if b, err := json.Marshal(val); err == nil {
				fs.Set(key, string(b))
			}
		}
	}
	return fs
}

// cleanJSON extracts a JSON object from text that may carry markdown code
// fences or prose around it.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
