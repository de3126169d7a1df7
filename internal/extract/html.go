package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// htmlFieldBody recovers text from an HTML-only delivery: either an "html"
// field or the text/html MIME part of the raw message.
func htmlFieldBody(fields map[string]string, raw []byte) string {
	src := strings.TrimSpace(fields["html"])
	if src == "" && len(raw) > 0 {
		src = mimeHTMLPart(raw)
	}
	if strings.TrimSpace(src) == "" {
		return ""
	}
	return CleanBody(htmlToText(src))
}

var blockTags = map[string]bool{
	"br": true, "p": true, "div": true, "tr": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "blockquote": true,
}

var skipTags = map[string]bool{
	"script": true, "style": true, "head": true, "title": true,
}

// htmlToText walks the token stream, keeping text outside script/style/head
// and inserting line breaks at block boundaries. Malformed markup never
// fails; the tokenizer just stops.
func htmlToText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var sb strings.Builder
	skipDepth := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return NormalizeText(sb.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipTags[tag] {
				if tt == html.StartTagToken {
					skipDepth++
				}
			} else if blockTags[tag] {
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipTags[tag] {
				if skipDepth > 0 {
					skipDepth--
				}
			} else if blockTags[tag] {
				sb.WriteString("\n")
			}
		case html.TextToken:
			if skipDepth == 0 {
				sb.Write(z.Text())
			}
		}
	}
}
