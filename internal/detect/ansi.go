package detect

import "strings"

// StripANSI removes ANSI escape codes from content using an O(n) single-pass
// scan. Terminal captures are full of color codes and cursor movement; the
// detectors must see plain text.
//
// Regex is deliberately avoided here: complex ANSI patterns can backtrack
// catastrophically on malformed escape sequences, and pane content is
// adversarial by definition.
func StripANSI(content string) string {
	// Fast path: no ESC (0x1b) and no 8-bit CSI (0x9b) means nothing to do.
	if strings.IndexByte(content, '\x1b') < 0 && strings.IndexByte(content, '\x9b') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		c := content[i]

		if c == '\x1b' {
			if i+1 < len(content) {
				switch content[i+1] {
				case '[':
					// CSI: ESC [ params letter
					j := i + 2
					for j < len(content) && !isCSITerminator(content[j]) {
						j++
					}
					if j < len(content) {
						j++
					}
					i = j
					continue
				case ']':
					// OSC: ESC ] ... (BEL or ESC \)
					rest := content[i:]
					if bell := strings.IndexByte(rest, '\x07'); bell >= 0 {
						i += bell + 1
						continue
					}
					if st := strings.Index(rest, "\x1b\\"); st >= 0 {
						i += st + 2
						continue
					}
					// Unterminated OSC swallows the remainder.
					return b.String()
				default:
					// Two-byte escape (ESC letter)
					i += 2
					continue
				}
			}
			// Trailing lone ESC
			i++
			continue
		}

		if c == '\x9b' {
			// 8-bit CSI without ESC prefix
			j := i + 1
			for j < len(content) && !isCSITerminator(content[j]) {
				j++
			}
			if j < len(content) {
				j++
			}
			i = j
			continue
		}

		b.WriteByte(c)
		i++
	}

	return b.String()
}

func isCSITerminator(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}
