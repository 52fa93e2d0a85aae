package email

import (
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Personalize replaces {{key}} placeholders with values from data.
// Placeholders without a value are left as written.
func Personalize(content string, data map[string]string) string {
	if len(data) == 0 || !strings.Contains(content, "{{") {
		return content
	}
	return placeholder.ReplaceAllStringFunc(content, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := data[key]; ok {
			return v
		}
		return m
	})
}

// Fields builds the substitution data for one recipient. Extra values
// never override the built-in recipient fields.
func Fields(email, firstName, lastName string, extra map[string]string) map[string]string {
	out := make(map[string]string, len(extra)+3)
	for k, v := range extra {
		out[k] = v
	}
	out["email"] = email
	out["firstName"] = firstName
	out["lastName"] = lastName
	return out
}
