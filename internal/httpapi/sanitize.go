package httpapi

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// htmlPolicy keeps the formatting commonly found in mail while removing
// scripts, event handlers and unsafe URLs.
var htmlPolicy = newHTMLPolicy()

// textPolicy removes all markup.
var textPolicy = bluemonday.StrictPolicy()

func newHTMLPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("strong", "em", "u", "s", "code", "pre", "blockquote")
	p.AllowElements("ul", "ol", "li", "a", "img")
	p.AllowElements("table", "thead", "tbody", "tr", "th", "td")
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowAttrs("class", "id").Globally()
	p.AllowAttrs("style").OnElements("span", "div", "p", "td")
	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https", "mailto", "cid")
	return p
}

// sanitizeHTML makes an HTML body safe to embed in a dashboard.
func sanitizeHTML(s string) string {
	return htmlPolicy.Sanitize(s)
}

// htmlToText is the text view of a message that only has an HTML body.
func htmlToText(s string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}
