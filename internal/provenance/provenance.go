// Package provenance wraps non-user content passed to Scout with an
// attributed tag so the planner can distinguish instructions (the user
// turn) from data (everything else). This is a soft mitigation against
// prompt injection, not a security boundary.
package provenance

import "strings"

// Trust describes how much weight the planner should give content.
type Trust string

const (
	TrustUntrusted Trust = "untrusted"
	TrustTrusted   Trust = "trusted"
)

// Source identifies where wrapped content came from.
type Source string

const (
	SourceToolOutput Source = "tool_output"
	SourceWebContent Source = "web_content"
	SourceEmail      Source = "email"
	SourceDocument   Source = "document"
)

const (
	openTagLiteral  = "<external_content"
	closeTagLiteral = "</external_content>"
)

// Wrap produces an attributed <external_content> tag around body. Any
// literal occurrence of the opening or closing tag inside body is
// entity-encoded first so the wrapped body cannot escape its own tag.
func Wrap(source Source, sender string, trust Trust, body string) string {
	if trust == "" {
		trust = TrustUntrusted
	}

	var b strings.Builder
	b.WriteString("<external_content source=\"")
	b.WriteString(escapeAttr(string(source)))
	b.WriteString("\"")
	if sender != "" {
		b.WriteString(" sender=\"")
		b.WriteString(escapeAttr(sender))
		b.WriteString("\"")
	}
	b.WriteString(" trust=\"")
	b.WriteString(escapeAttr(string(trust)))
	b.WriteString("\">")
	b.WriteString(Sanitize(body))
	b.WriteString(closeTagLiteral)
	return b.String()
}

// Sanitize entity-encodes any literal occurrence of the external_content
// open/close tag substrings so wrapped content can never prematurely
// close (or nest inside) the provenance tag. Invariant: for all inputs
// s, Sanitize(s) contains no occurrence of "</external_content>" as a
// literal substring.
func Sanitize(body string) string {
	body = strings.ReplaceAll(body, closeTagLiteral, "&lt;/external_content&gt;")
	body = strings.ReplaceAll(body, openTagLiteral, "&lt;external_content")
	return body
}

func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
