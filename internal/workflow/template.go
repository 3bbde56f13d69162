package workflow

import "strings"

// ExpandTemplate replaces every `${name}` placeholder with vars[name],
// expanding undefined names to the empty string (§6 template expansion).
func ExpandTemplate(s string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end >= 0 {
				name := s[i+2 : i+2+end]
				b.WriteString(vars[name])
				i = i + 2 + end + 1
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}

	return b.String()
}
