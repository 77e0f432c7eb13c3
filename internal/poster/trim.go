package poster

// truncate enforces the platform character limit on content. Counting is by
// rune, not byte, to match the platform's published limit. Over-limit content
// is cut to limit-3 runes with a trailing "..." so upstream callers never see
// a rejected schedule for length alone.
func truncate(content string, limit int) string {
	if limit <= 0 {
		return content
	}
	r := []rune(content)
	if len(r) <= limit {
		return content
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
