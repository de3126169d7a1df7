package extract

import (
	"regexp"
	"strconv"
	"strings"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// DecodeQuotedPrintable decodes =XX hex escapes, soft line breaks, and the
// common =0A/=0D newline escapes, then normalizes line endings and collapses
// runs of blank lines. Unlike mime/quotedprintable it never fails: malformed
// escapes pass through untouched, which matters because providers deliver
// partially encoded and double-encoded bodies.
func DecodeQuotedPrintable(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]
		if c != '=' {
			b.WriteByte(c)
			i++
			continue
		}

		// Soft line break: '=' immediately before a newline joins the lines.
		if i+1 < len(s) && s[i+1] == '\n' {
			i += 2
			continue
		}
		if i+2 < len(s) && s[i+1] == '\r' && s[i+2] == '\n' {
			i += 3
			continue
		}

		if i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}

		// Not a valid escape; keep the '=' as-is.
		b.WriteByte(c)
		i++
	}

	return NormalizeText(b.String())
}

// NormalizeText converts CRLF and bare CR line endings to LF and collapses
// three or more consecutive newlines down to one blank line.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return blankRuns.ReplaceAllString(s, "\n\n")
}
