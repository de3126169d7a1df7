package extract

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"strings"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// mimeBody implements the structured tier: parse the raw message properly,
// prefer its text/plain part, decode the transfer encoding, clean. The
// strict parser runs first; the tolerant manual walk below catches messages
// it rejects.
func mimeBody(raw []byte) string {
	plain, _ := readParts(raw)
	if body := CleanBody(NormalizeText(plain)); body != "" {
		return body
	}
	if body := CleanBody(fallbackPlainPart(raw)); body != "" {
		return body
	}
	return ""
}

// mimeHTMLPart returns the text/html part of the raw message, if any.
func mimeHTMLPart(raw []byte) string {
	_, htmlPart := readParts(raw)
	if htmlPart != "" {
		return htmlPart
	}
	return fallbackHTMLPart(raw)
}

// readParts walks the message with go-message, which handles nested
// multiparts, charsets, and transfer-encoding decoding. Part-level read
// errors are skipped rather than failing the whole message.
func readParts(raw []byte) (plain, htmlPart string) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", ""
	}
	defer mr.Close()

	for {
		p, err := mr.NextPart()
		if err == io.EOF || p == nil {
			break
		}
		if err != nil {
			break
		}
		h, ok := p.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := h.ContentType()
		if err != nil {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		switch {
		case ct == "text/plain" && plain == "":
			plain = string(b)
		case ct == "text/html" && htmlPart == "":
			htmlPart = string(b)
		}
	}
	return plain, htmlPart
}

// fallbackPlainPart is the tolerant path: split headers from body at the
// first blank line, walk multipart boundaries by hand, and decode whatever
// transfer encoding the headers claim without ever failing.
func fallbackPlainPart(raw []byte) string {
	headers, body, ok := splitHeaderBlock(string(raw))
	if !ok || !looksLikeMailHeaders(headers) {
		return ""
	}

	if mediaType, params, err := mime.ParseMediaType(headers["content-type"]); err == nil {
		if strings.HasPrefix(mediaType, "multipart/") {
			// No text/plain part means nothing for this tier; the raw
			// multipart body is boundary markers and part headers, not prose.
			return findPart(body, params["boundary"], "text/plain")
		}
		if mediaType != "text/plain" {
			return ""
		}
	}
	return decodeTransfer(body, headers["content-transfer-encoding"])
}

func fallbackHTMLPart(raw []byte) string {
	headers, body, ok := splitHeaderBlock(string(raw))
	if !ok {
		return ""
	}
	if mediaType, params, err := mime.ParseMediaType(headers["content-type"]); err == nil &&
		strings.HasPrefix(mediaType, "multipart/") {
		return findPart(body, params["boundary"], "text/html")
	}
	if strings.Contains(headers["content-type"], "text/html") {
		return decodeTransfer(body, headers["content-transfer-encoding"])
	}
	return ""
}

// looksLikeMailHeaders guards the tolerant path against treating the first
// paragraph of a plain-text blob as a header block.
func looksLikeMailHeaders(headers map[string]string) bool {
	for _, key := range []string{"content-type", "from", "to", "subject", "received", "message-id", "mime-version"} {
		if _, ok := headers[key]; ok {
			return true
		}
	}
	return false
}

// splitHeaderBlock separates the header block from the body and folds
// continuation lines into a lowercase-keyed map.
func splitHeaderBlock(text string) (map[string]string, string, bool) {
	text = NormalizeText(text)
	headerBlock, body, found := strings.Cut(text, "\n\n")
	if !found {
		return nil, "", false
	}

	headers := make(map[string]string)
	var lastKey string
	for _, line := range strings.Split(headerBlock, "\n") {
		if line == "" {
			continue
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && lastKey != "" {
			headers[lastKey] += " " + strings.TrimSpace(line)
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		lastKey = strings.ToLower(strings.TrimSpace(key))
		headers[lastKey] = strings.TrimSpace(val)
	}
	return headers, body, true
}

// findPart scans multipart segments for the wanted content type. Segments
// without a Content-Type header count as text/plain, which is what legacy
// mailers produce.
func findPart(body, boundary, wantType string) string {
	if boundary == "" {
		return ""
	}
	segments := strings.Split(body, "--"+boundary)
	for i, segment := range segments {
		if i == 0 {
			// Anything before the first boundary is preamble, not a part.
			continue
		}
		segment = strings.TrimSpace(segment)
		if segment == "" || segment == "--" {
			continue
		}
		var headers map[string]string
		partBody := segment
		if first, _, _ := strings.Cut(segment, "\n"); strings.Contains(first, ":") {
			var ok bool
			headers, partBody, ok = splitHeaderBlock(segment + "\n\n")
			if !ok {
				continue
			}
		}
		ct := headers["content-type"]
		if strings.Contains(ct, wantType) || (ct == "" && wantType == "text/plain") {
			if decoded := decodeTransfer(partBody, headers["content-transfer-encoding"]); strings.TrimSpace(decoded) != "" {
				return decoded
			}
		}
	}
	return ""
}

func decodeTransfer(body, encoding string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return DecodeQuotedPrintable(body)
	case "base64":
		compact := strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, body)
		if decoded, err := base64.StdEncoding.DecodeString(compact); err == nil {
			return NormalizeText(string(decoded))
		}
		return NormalizeText(body)
	default:
		return NormalizeText(body)
	}
}
