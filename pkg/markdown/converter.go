package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	paragraphPattern = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	headingPattern   = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	codeBlockPattern = regexp.MustCompile(`(?s)<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	lineBreakPattern = regexp.MustCompile(`<br\s*/?>`)
	tagPattern       = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9]*)(?:\s[^>]*)?/?>`)
	blankLines       = regexp.MustCompile(`\n{3,}`)
)

// Tags Telegram accepts in HTML parse mode.
var supportedTags = map[string]bool{
	"b": true, "i": true, "u": true, "s": true,
	"code": true, "pre": true, "a": true,
}

// ToTelegramHTML converts markdown to Telegram-compatible HTML
func ToTelegramHTML(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))
	return cleanHTMLForTelegram(html)
}

// cleanHTMLForTelegram cleans HTML to be compatible with Telegram
func cleanHTMLForTelegram(html string) string {
	html = paragraphPattern.ReplaceAllString(html, "$1\n")
	html = headingPattern.ReplaceAllString(html, "<b>$1</b>\n")
	html = lineBreakPattern.ReplaceAllString(html, "\n")

	html = strings.NewReplacer(
		"<strong>", "<b>", "</strong>", "</b>",
		"<em>", "<i>", "</em>", "</i>",
		"<del>", "<s>", "</del>", "</s>",
		"<ul>\n", "", "</ul>", "",
		"<ol>\n", "", "</ol>", "",
		"<li>", "• ", "</li>", "",
	).Replace(html)

	html = codeBlockPattern.ReplaceAllString(html, "<pre>$1</pre>")

	html = tagPattern.ReplaceAllStringFunc(html, func(match string) string {
		if m := tagPattern.FindStringSubmatch(match); len(m) > 1 && supportedTags[strings.ToLower(m[1])] {
			return match
		}
		return ""
	})

	html = blankLines.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
