package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/campus-answer-bot-go/internal/models"
)

// ParseAnswer turns raw upstream text into a mode and an answer. It tries, in
// order: strict JSON on the outermost {...} span, a lenient scan for the mode
// and answer fields, and finally the whole text as an official_info answer.
// An answer that is itself an encoded object is unwrapped once.
func ParseAnswer(raw string) (models.ParsedAnswer, error) {
	parsed, err := parseOnce(raw)
	if err != nil {
		return parsed, err
	}

	answer := parsed.Answer
	if strings.HasPrefix(answer, "{") && (strings.Contains(answer, `"answer"`) || strings.Contains(answer, `'answer'`)) {
		nested, err := parseOnce(answer)
		if err == nil && nested.Answer != "" && nested.Answer != answer {
			return nested, nil
		}
	}
	return parsed, nil
}

func parseOnce(raw string) (models.ParsedAnswer, error) {
	cleaned := stripFence(strings.TrimSpace(raw))

	candidate := cleaned
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start != -1 && end > start {
		candidate = cleaned[start : end+1]
	}

	var data map[string]any
	err := json.Unmarshal([]byte(candidate), &data)
	if rawAnswer, ok := data["answer"]; err == nil && ok {
		answer := strings.TrimSpace(stringify(rawAnswer))
		if answer == "" {
			return models.ParsedAnswer{}, fmt.Errorf("%w in JSON", ErrEmptyAnswer)
		}
		mode := models.ModeOfficialInfo
		if v, ok := data["mode"]; ok {
			mode = normalizeMode(stringify(v))
		}
		return models.ParsedAnswer{Mode: mode, Answer: answer}, nil
	}

	if answer, ok := fieldValue(cleaned, "answer"); ok && answer != "" {
		mode := models.ModeOfficialInfo
		if m, ok := fieldValue(cleaned, "mode"); ok {
			mode = normalizeMode(m)
		}
		return models.ParsedAnswer{Mode: mode, Answer: answer}, nil
	}

	return plainText(cleaned)
}

// plainText treats the whole cleaned text as an official_info answer.
func plainText(cleaned string) (models.ParsedAnswer, error) {
	fallback := strings.TrimSpace(cleaned)
	if fallback == "" {
		return models.ParsedAnswer{}, fmt.Errorf("%w: invalid JSON and empty text", ErrEmptyAnswer)
	}
	return models.ParsedAnswer{Mode: models.ModeOfficialInfo, Answer: fallback}, nil
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.Trim(text, "`")
	if strings.HasPrefix(strings.ToLower(text), "json") {
		text = strings.TrimSpace(text[4:])
	}
	return text
}

func normalizeMode(raw string) models.Mode {
	mode := models.Mode(strings.ToLower(strings.TrimSpace(raw)))
	if !mode.Valid() {
		return models.ModeOfficialInfo
	}
	return mode
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// fieldValue is a deliberately lenient scanner for `"field": value` in text
// that is not valid JSON. Keys may use single or double quotes; quoted values
// honour backslash escapes; an unquoted value runs to the next ',' or '}'.
// When the only match is an unterminated quoted value, the remainder of the
// text is returned.
func fieldValue(text, field string) (string, bool) {
	var partial string
	for _, quote := range []string{`"`, `'`} {
		key := quote + field + quote
		pos := 0
		for {
			idx := strings.Index(text[pos:], key)
			if idx == -1 {
				break
			}
			idx += pos
			colon := strings.Index(text[idx+len(key):], ":")
			if colon == -1 {
				break
			}
			start := idx + len(key) + colon + 1
			for start < len(text) && isSpace(text[start]) {
				start++
			}
			if start >= len(text) {
				break
			}

			switch first := text[start]; first {
			case '"', '\'':
				value, closed := scanQuoted(text[start+1:], first)
				if closed {
					return strings.TrimSpace(value), true
				}
				if partial == "" {
					partial = strings.TrimSpace(strings.TrimRight(value, "} \t\r\n"))
				}
			default:
				end := start
				for end < len(text) && text[end] != ',' && text[end] != '}' {
					end++
				}
				return strings.TrimSpace(text[start:end]), true
			}
			pos = idx + len(key)
		}
	}
	return partial, partial != ""
}

// scanQuoted reads up to the closing quote, decoding escapes. closed is false
// when the input ends first.
func scanQuoted(s string, quote byte) (value string, closed bool) {
	var b strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			switch c {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(c)
			}
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case quote:
			return b.String(), true
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
