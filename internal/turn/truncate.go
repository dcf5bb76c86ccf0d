package turn

import (
	"encoding/json"
	"strings"
)

// Reply length budget for phone cadence. Replies at or under maxReplyChars
// play verbatim; longer ones are cut at a sentence boundary when one falls
// inside the preferred window, else hard-cut with an ellipsis.
const (
	maxReplyChars  = 180
	minCutPosition = 80
)

// TruncateReply bounds a reply to maxReplyChars. The cut prefers the
// rightmost '.', then '?', then '!' at positions (minCutPosition,
// maxReplyChars]; with no sentence boundary in that window the text is
// hard-cut and an ellipsis appended.
func TruncateReply(text string) string {
	if len(text) <= maxReplyChars {
		return text
	}
	window := text[:maxReplyChars]
	for _, punct := range []byte{'.', '?', '!'} {
		if i := strings.LastIndexByte(window, punct); i >= minCutPosition {
			return text[:i+1]
		}
	}
	return window + "..."
}

func decodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}
