// Package interp resolves {{name}} placeholders in message templates
// against contact attributes and session-captured variables.
package interp

import (
	"regexp"

	"github.com/songzhibin97/campaign-engine/types"
)

var tokenPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Interpolate replaces every {{identifier}} token with its value from
// vars. Unresolved tokens are left verbatim so partially configured
// campaigns still produce diagnosable output.
func Interpolate(template string, vars map[string]string) string {
	if template == "" || vars == nil {
		return template
	}
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := token[2 : len(token)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		return token
	})
}

// Merge combines the contact's built-in identifiers with the session's
// captured variables. Session variables win on name collision, so an
// HTTP-mapped variable named "nome" overrides the contact's name for the
// remainder of that session.
func Merge(contact types.Contact, session map[string]string) map[string]string {
	vars := contact.Builtins()
	for k, v := range session {
		vars[k] = v
	}
	return vars
}
