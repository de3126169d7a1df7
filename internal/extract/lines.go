package extract

import (
	"strings"
)

// transportPrefixes mark MIME and transport header lines the heuristic must
// skip before the body starts.
var transportPrefixes = []string{
	"content-", "received:", "date:", "message-id:", "mime-version:",
	"from:", "to:", "cc:", "subject:", "return-path:", "reply-to:",
	"delivered-to:", "dkim-", "x-", "authentication-results:", "arc-",
	"list-", "in-reply-to:", "references:", "user-agent:", "thread-",
}

// aggressiveExtract is the last-resort tier: walk the raw text line by line,
// skip anything that looks like transport metadata, take the first line that
// reads like prose as the body start, and accumulate until quoted history
// begins. It is heuristic recovery, not a grammar, and only runs after every
// structured tier came up empty.
func aggressiveExtract(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	var body []string
	started := false

	for _, line := range strings.Split(NormalizeText(raw), "\n") {
		trimmed := strings.TrimSpace(line)

		if !started {
			if trimmed == "" || isTransportLine(trimmed) || isBoundaryLine(trimmed) {
				continue
			}
			if !looksLikeProse(trimmed) {
				continue
			}
			started = true
			body = append(body, line)
			continue
		}

		if strings.HasPrefix(trimmed, ">") || isQuoteAttribution(trimmed) {
			break
		}
		if isBoundaryLine(trimmed) || isTransportLine(trimmed) {
			break
		}
		body = append(body, line)
	}

	return CleanBody(strings.Join(body, "\n"))
}

func isTransportLine(line string) bool {
	lower := strings.ToLower(line)
	for _, prefix := range transportPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func isBoundaryLine(line string) bool {
	return strings.HasPrefix(line, "--") && len(line) > 2
}

// looksLikeProse is the body-start test: several words, real length, not a
// bare address, not JSON.
func looksLikeProse(line string) bool {
	if len(line) <= 12 {
		return false
	}
	words := strings.Fields(line)
	if len(words) < 3 {
		return false
	}
	first := line[0]
	if first == '{' || first == '[' || first == '=' {
		return false
	}
	return true
}
