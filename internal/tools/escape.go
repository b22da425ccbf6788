package tools

import "strings"

// EscapeExternal entity-escapes angle brackets in text that arrived
// from outside the assistant (web pages, email bodies, contact fields,
// file contents), so fetched content cannot smuggle live markup into
// the model's context. Ingesting tools call this before returning any
// external text as a tool result.
func EscapeExternal(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return s
	}
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}
