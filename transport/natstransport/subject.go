package natstransport

import "strings"

// SubjectForKey maps a key expression onto NATS subject syntax: "/"
// separators become ".", a "*" chunk stays "*", and a trailing "**"
// becomes ">". Keys with an interior "**", or with chunks NATS cannot
// carry, have no subject form and report ok=false; such envelopes publish
// on the bare kind subject instead.
func SubjectForKey(key string) (subject string, ok bool) {
	chunks := strings.Split(key, "/")
	tokens := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		switch chunk {
		case "**":
			// ">" is only valid as the final token.
			if i != len(chunks)-1 {
				return "", false
			}
			tokens = append(tokens, ">")
		case "*":
			tokens = append(tokens, "*")
		default:
			if !validToken(chunk) {
				return "", false
			}
			tokens = append(tokens, chunk)
		}
	}
	return strings.Join(tokens, "."), true
}

// validToken reports whether a chunk can stand as a literal NATS subject
// token. Dots, whitespace, and the NATS wildcard characters are excluded.
func validToken(chunk string) bool {
	if chunk == "" {
		return false
	}
	for _, r := range chunk {
		switch {
		case r == '.' || r == '*' || r == '>':
			return false
		case r <= ' ' || r == 0x7f:
			return false
		}
	}
	return true
}
