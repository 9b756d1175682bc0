package decoder

import (
	"encoding/json"
	"strings"
)

// Result is the assembled assistant text plus the side channel fields seen
// while decoding. Side channel fields never contribute to Text.
type Result struct {
	Text      string
	ThreadID  string
	MessageID string
	Role      string
}

// Decode assembles the text of an ordered chunk sequence. It is best-effort:
// unrecognized chunks are dropped and it never fails.
func Decode(chunks []Chunk) Result {
	var (
		res Result
		b   strings.Builder
	)
	for _, chunk := range chunks {
		switch c := chunk.(type) {
		case StructuredChunk:
			res.record(c.ThreadID, c.MessageID, c.Role)
			b.WriteString(structuredText(c))
		case FramedLine:
			if threadID, messageID, ok := framedMetadata(c.Payload); ok {
				res.record(threadID, messageID, "")
				continue
			}
			b.WriteString(stripQuotes(c.Payload))
		case RawLine:
		}
	}
	res.Text = b.String()
	return res
}

// DecodeBody runs a raw response body through ParseBody, Decode and
// FormatContent.
func DecodeBody(body []byte) string {
	return FormatContent(Decode(ParseBody(body)).Text)
}

func (r *Result) record(threadID, messageID, role string) {
	if threadID != "" {
		r.ThreadID = threadID
	}
	if messageID != "" {
		r.MessageID = messageID
	}
	if role != "" {
		r.Role = role
	}
}

func structuredText(c StructuredChunk) string {
	if len(c.Content) == 0 {
		return c.Message
	}
	var b strings.Builder
	for _, item := range c.Content {
		if item.Type != "text" {
			continue
		}
		if v, ok := item.Value(); ok {
			b.WriteString(v)
		}
	}
	return b.String()
}

// framedMetadata reports whether a framed payload is a JSON object carrying
// one of the metadata keys threadId, messageId or id.
func framedMetadata(payload string) (threadID, messageID string, ok bool) {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return "", "", false
	}
	obj, isObj := v.(map[string]any)
	if !isObj {
		return "", "", false
	}
	if !truthy(obj["threadId"]) && !truthy(obj["messageId"]) && !truthy(obj["id"]) {
		return "", "", false
	}
	threadID, _ = obj["threadId"].(string)
	messageID, _ = obj["messageId"].(string)
	if messageID == "" {
		messageID, _ = obj["id"].(string)
	}
	return threadID, messageID, true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	default:
		return true
	}
}

// stripQuotes removes one leading and one trailing double quote.
func stripQuotes(s string) string {
	s = strings.TrimPrefix(s, `"`)
	return strings.TrimSuffix(s, `"`)
}
