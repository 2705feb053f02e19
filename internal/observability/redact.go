package observability

const (
	maskedIDLen   = 6
	maxPreviewLen = 80
)

// MaskID keeps only the tail of a platform identifier. Short identifiers
// keep at most half their characters.
func MaskID(id string) string {
	if id == "" {
		return ""
	}
	keep := min(maskedIDLen, len(id)/2)
	return "…" + id[len(id)-keep:]
}

// Preview caps message text for log lines.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= maxPreviewLen {
		return text
	}
	return string(runes[:maxPreviewLen]) + "…"
}
