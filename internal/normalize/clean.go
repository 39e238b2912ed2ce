package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrUnparseable = errors.New("payload is not a JSON object")

var (
	fencedBlock    = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	trailingCommas = regexp.MustCompile(`,\s*([}\]])`)
)

// Clean returns a JSON object document for a stage payload. Payloads that
// arrive as JSON strings of model output are unwrapped: code fences are
// stripped, the outermost object is cut out, trailing commas are dropped and
// unclosed brackets are closed.
func Clean(raw json.RawMessage) ([]byte, error) {
	doc := bytes.TrimSpace(raw)
	if len(doc) == 0 {
		return nil, ErrUnparseable
	}
	if doc[0] == '"' {
		var text string
		if err := json.Unmarshal(doc, &text); err != nil {
			return nil, ErrUnparseable
		}
		doc = []byte(strings.TrimSpace(text))
	}
	if isObject(doc) {
		return doc, nil
	}
	repaired := []byte(repairJSON(extractObject(stripCodeFences(string(doc)))))
	if isObject(repaired) {
		return repaired, nil
	}
	return nil, ErrUnparseable
}

func isObject(doc []byte) bool {
	return gjson.ValidBytes(doc) && gjson.ParseBytes(doc).IsObject()
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fencedBlock.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
	}
	return strings.TrimSpace(s)
}

func extractObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return s
	}
	end := strings.LastIndex(s, "}")
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

func repairJSON(s string) string {
	s = trailingCommas.ReplaceAllString(s, "$1")
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return trailingCommas.ReplaceAllString(b.String(), "$1")
}
