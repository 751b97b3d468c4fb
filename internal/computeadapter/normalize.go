package computeadapter

import "strings"

// NormalizeLoose rewrites dictionary-style literals into JSON: single-quoted
// strings become double-quoted and the bare words True, False and None become
// true, false and null. Text inside strings is left untouched apart from
// quote escaping.
func NormalizeLoose(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	runes := []rune(text)
	var quote rune
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			switch {
			case r == '\\' && i+1 < len(runes):
				next := runes[i+1]
				if next == '\'' {
					b.WriteRune('\'')
				} else {
					b.WriteRune(r)
					b.WriteRune(next)
				}
				i++
			case r == quote:
				b.WriteRune('"')
				quote = 0
			case r == '"' && quote == '\'':
				b.WriteString(`\"`)
			default:
				b.WriteRune(r)
			}
			continue
		}

		switch {
		case r == '\'' || r == '"':
			quote = r
			b.WriteRune('"')
		case isWordStart(runes, i):
			word := readWord(runes, i)
			switch word {
			case "True":
				b.WriteString("true")
			case "False":
				b.WriteString("false")
			case "None":
				b.WriteString("null")
			default:
				b.WriteString(word)
			}
			i += len([]rune(word)) - 1
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isWordStart(runes []rune, i int) bool {
	if !isWordRune(runes[i]) {
		return false
	}
	return i == 0 || !isWordRune(runes[i-1])
}

func readWord(runes []rune, i int) string {
	j := i
	for j < len(runes) && isWordRune(runes[j]) {
		j++
	}
	return string(runes[i:j])
}

func isWordRune(r rune) bool {
	return r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
