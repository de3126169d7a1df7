package extract

import (
	"strings"
)

// signatureMarkers start a trailing block that is dropped together with
// everything after it.
var signatureMarkers = []string{
	"sent from my iphone",
	"sent from my android",
	"best regards",
	"kind regards",
	"warm regards",
	"sincerely",
}

// CleanBody strips quoted replies and common signature blocks from an
// already decoded plain-text body. Lines beginning with the quote marker are
// dropped; a quote-attribution line ("On ... wrote:"), a "-- " delimiter, or
// a signature marker ends the body.
func CleanBody(s string) string {
	s = NormalizeText(s)

	var kept []string
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		if trimmed == "--" || line == "-- " {
			break
		}
		if isQuoteAttribution(trimmed) {
			break
		}
		if startsSignature(lower) {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}

	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(kept, "\n"), "\n\n"))
}

// isQuoteAttribution matches the "On <date>, <sender> wrote:" line mail
// clients insert above quoted history.
func isQuoteAttribution(line string) bool {
	return strings.HasSuffix(strings.TrimSpace(line), "wrote:")
}

func startsSignature(lower string) bool {
	for _, marker := range signatureMarkers {
		if strings.HasPrefix(lower, marker) {
			return true
		}
	}
	return false
}
