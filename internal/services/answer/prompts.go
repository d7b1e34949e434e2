package answer

import (
	"fmt"
	"strings"
	"time"

	"github.com/campus-answer-bot-go/internal/services/links"
)

// BuildSystemPrompt renders the assistant instructions and the two-key JSON
// output contract. The allow-list, when set, is named as the only grounding
// source.
func BuildSystemPrompt(institution string, today time.Time, allow *links.AllowList) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an assistant only for %s queries. Politely reply to general convo, divert user towards asking %s related queries. ", institution, institution)
	fmt.Fprintf(&b, "Today's date (UTC) is %s. ", today.UTC().Format("January 02, 2006"))
	b.WriteString("Use the live Google Search grounding tool to research factual claims")
	if domains := allow.Display(); domains != "" {
		fmt.Fprintf(&b, ", and ground ONLY from official domains (including subdomains): %s", domains)
	}
	b.WriteString(". ")
	b.WriteString("Provide endpoint urls for user to get to their destination directly. DO NOT instruct them how to reach to link, provide them direct link. ")
	b.WriteString("Do not refuse to share official links. MUST VERIFY that the link is correct and working (no errors like 403) before giving a response. ")
	b.WriteString("Do not guess; if you cannot verify a claim, say that clearly. ")
	b.WriteString("Return ONLY valid JSON with exactly two keys: mode and answer. ")
	b.WriteString("No markdown, no code fences, no extra keys.\n")
	b.WriteString("Output contract:\n")
	b.WriteString(`- JSON shape must be {"mode":"smalltalk|official_info","answer":"..."}.` + "\n")
	return b.String()
}

// BuildUserPrompt prefixes the previous turn when there is one.
func BuildUserPrompt(userText, previousUserText string) string {
	if previousUserText == "" {
		return userText
	}
	return fmt.Sprintf("Previous user message: %s\nCurrent user message: %s", previousUserText, userText)
}

// BuildRetryPrompt asks the upstream for a reachable alternative to links that
// failed verification.
func BuildRetryPrompt(userText, previousUserText string, failedURLs []string) string {
	lines := []string{
		"Previous answer had links that failed live verification (HTTP 4xx/5xx, including 403).",
	}
	if len(failedURLs) > 0 {
		lines = append(lines, "Failed URLs: "+strings.Join(failedURLs, ", "))
	}
	if previousUserText != "" {
		lines = append(lines, "Previous user message: "+previousUserText)
	}
	lines = append(lines,
		"Current user message: "+userText,
		"Search again and provide an alternative official direct endpoint URL that is currently reachable.",
		"If no verified official URL can be found right now, say that clearly.",
	)
	return strings.Join(lines, "\n")
}
