package anthropic

// BuildCachedSystemBlocks returns the system prompt as one block with a
// cache breakpoint. The enrichment prompt is identical on every call, so
// after the first request it is read from the prompt cache.
func BuildCachedSystemBlocks(text string, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: ttl}}}
}
