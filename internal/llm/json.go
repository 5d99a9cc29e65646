package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a response holds no JSON value
var ErrNoJSON = errors.New("no JSON value in response")

// ExtractJSON returns the first balanced JSON object or array in s.
// Models wrap JSON in prose and code fences; both are skipped.
func ExtractJSON(s string) (string, error) {
	start := strings.IndexAny(s, "{[")
	for start >= 0 {
		if end := matchClose(s, start); end > start {
			return s[start : end+1], nil
		}
		next := strings.IndexAny(s[start+1:], "{[")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSON
}

// ExtractObject returns the first balanced JSON object in s
func ExtractObject(s string) (string, error) {
	for i := strings.IndexByte(s, '{'); i >= 0; {
		if end := matchClose(s, i); end > i {
			return s[i : end+1], nil
		}
		next := strings.IndexByte(s[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return "", ErrNoJSON
}

// matchClose returns the index closing the bracket at open, or -1
func matchClose(s string, open int) int {
	var stack []byte
	inString, escaped := false, false
	for i := open; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

// DecodeJSON unmarshals the first JSON value of text into v
func DecodeJSON(text string, v interface{}) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode JSON response: %w", err)
	}
	return nil
}

// StripFences removes a surrounding markdown code fence such as ```html
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
