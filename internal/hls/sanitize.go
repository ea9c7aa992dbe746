package hls

import "strings"

// Sanitize drops every character outside [A-Za-z] and lowercases the rest.
// Sanitize(Sanitize(s)) == Sanitize(s) for every s.
func Sanitize(name string) StreamName {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return StreamName(b.String())
}
