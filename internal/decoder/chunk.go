package decoder

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// framedLinePattern matches "<index>:<payload>" stream lines.
var framedLinePattern = regexp.MustCompile(`^(\d+):(.+)$`)

// Chunk is one unit of a raw assistant response. It is a closed set:
// FramedLine, StructuredChunk or RawLine.
type Chunk interface {
	isChunk()
}

// FramedLine is a stream line of the shape "<index>:<payload>".
type FramedLine struct {
	Index   int
	Payload string
}

// StructuredChunk is a JSON record carrying content items and side channel ids.
type StructuredChunk struct {
	ThreadID  string
	MessageID string
	Role      string
	Content   []ContentItem
	// Message is the plain {"message": "..."} envelope returned by the chat backend.
	Message string
}

// RawLine is anything that is neither framed nor a JSON record.
type RawLine struct {
	Text string
}

func (FramedLine) isChunk()      {}
func (StructuredChunk) isChunk() {}
func (RawLine) isChunk()         {}

// ContentItem is an element of a structured record's content list. Text is
// kept raw because producers disagree on its shape.
type ContentItem struct {
	Type string          `json:"type"`
	Text json.RawMessage `json:"text"`
}

// Value returns text.value when the item carries one.
func (c ContentItem) Value() (string, bool) {
	if len(c.Text) == 0 {
		return "", false
	}
	var text struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(c.Text, &text); err != nil || text.Value == nil {
		return "", false
	}
	return *text.Value, true
}

// ParseLine classifies a single line of a response body. Only framed lines
// carry text; every other line, JSON or not, is a RawLine.
func ParseLine(line string) Chunk {
	if m := framedLinePattern.FindStringSubmatch(line); m != nil {
		index, _ := strconv.Atoi(m[1])
		return FramedLine{Index: index, Payload: m[2]}
	}
	return RawLine{Text: line}
}

// ParseBody splits a raw response body into chunks. A body that is a single
// JSON object becomes one structured chunk; anything else is treated as
// newline-delimited lines.
func ParseBody(body []byte) []Chunk {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if sc, ok := ParseRecord(trimmed); ok {
		return []Chunk{sc}
	}

	var chunks []Chunk
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		chunks = append(chunks, ParseLine(line))
	}
	return chunks
}

// ParseRecord decodes a JSON object into a StructuredChunk. Fields with an
// unexpected type are ignored rather than failing the whole record.
func ParseRecord(raw []byte) (StructuredChunk, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return StructuredChunk{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return StructuredChunk{}, false
	}

	sc := StructuredChunk{
		ThreadID:  stringField(fields, "threadId"),
		MessageID: stringField(fields, "messageId"),
		Role:      stringField(fields, "role"),
		Message:   stringField(fields, "message"),
	}
	if sc.MessageID == "" {
		sc.MessageID = stringField(fields, "id")
	}
	if content, ok := fields["content"]; ok {
		_ = json.Unmarshal(content, &sc.Content)
	}
	return sc, true
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
