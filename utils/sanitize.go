package utils

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"gitlab.com/golang-commonmark/markdown"
)

var (
	markdownParser = markdown.New(markdown.HTML(true), markdown.Linkify(true), markdown.Typographer(true), markdown.MaxNesting(10))
	bodyPolicy     = newBodyPolicy()
)

func newBodyPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("a", "abbr", "acronym", "b", "blockquote", "code", "em", "i",
		"li", "ol", "pre", "strong", "ul", "h1", "h2", "h3", "p")
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("title").OnElements("abbr", "acronym")
	p.AllowStandardURLs()
	p.RequireNoFollowOnLinks(true)
	return p
}

// RenderMarkdown turns a markdown body into the HTML stored alongside posts and comments.
func RenderMarkdown(body string) string {
	return strings.TrimSpace(bodyPolicy.Sanitize(markdownParser.RenderToString([]byte(body))))
}
