package logger

import (
	"encoding/json"
	"io"
	"regexp"
	"strings"
)

// Masked replaces the value of every redacted field.
const Masked = "[REDACTED]"

// sensitiveKeys are matched as substrings of lowercased field names.
var sensitiveKeys = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"access_key",
	"private_key",
	"credential",
	"ssn",
	"card_number",
}

var (
	// 123-45-6789
	ssnPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	// 13-19 digits, optionally separated by spaces or dashes
	cardPattern = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
)

// RedactWriter masks sensitive fields in JSON log lines before they reach
// the underlying writer. Lines that are not valid JSON pass through
// untouched (the console writer re-encodes, so redaction runs first).
type RedactWriter struct {
	out io.Writer
}

// NewRedactWriter wraps out with field redaction.
func NewRedactWriter(out io.Writer) *RedactWriter {
	return &RedactWriter{out: out}
}

func (w *RedactWriter) Write(p []byte) (int, error) {
	var record map[string]interface{}
	if err := json.Unmarshal(p, &record); err != nil {
		return w.out.Write(p)
	}

	redactMap(record)

	clean, err := json.Marshal(record)
	if err != nil {
		return w.out.Write(p)
	}
	clean = append(clean, '\n')
	if _, err := w.out.Write(clean); err != nil {
		return 0, err
	}
	// Report the original length so zerolog does not treat this as a
	// short write.
	return len(p), nil
}

func redactMap(m map[string]interface{}) {
	for key, value := range m {
		if isSensitiveKey(key) {
			m[key] = Masked
			continue
		}
		switch v := value.(type) {
		case map[string]interface{}:
			redactMap(v)
		case []interface{}:
			for i, item := range v {
				if nested, ok := item.(map[string]interface{}); ok {
					redactMap(nested)
				} else if s, ok := item.(string); ok {
					v[i] = redactValue(s)
				}
			}
		case string:
			m[key] = redactValue(v)
		}
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// redactValue masks SSN- and card-number-shaped substrings inside values.
func redactValue(s string) string {
	if ssnPattern.MatchString(s) {
		s = ssnPattern.ReplaceAllString(s, Masked)
	}
	if cardPattern.MatchString(s) {
		s = cardPattern.ReplaceAllString(s, Masked)
	}
	return s
}
