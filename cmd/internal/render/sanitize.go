package render

import (
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// allowedTags maps the tags kept by Sanitize to their permitted attributes.
var allowedTags = map[string][]string{
	"p": nil, "br": nil, "hr": nil,
	"strong": nil, "b": nil, "em": nil, "i": nil, "del": nil, "s": nil,
	"code": nil, "pre": nil, "blockquote": nil,
	"ul": nil, "ol": {"start"}, "li": nil,
	"h1": nil, "h2": nil, "h3": nil, "h4": nil, "h5": nil, "h6": nil,
	"table": nil, "thead": nil, "tbody": nil, "tr": nil, "th": {"align"}, "td": {"align"},
	"a":   {"href", "title"},
	"img": {"src", "alt", "title"},
}

var voidTags = map[string]bool{"br": true, "hr": true, "img": true}

// Content of these elements is dropped along with the tags.
var droppedContent = map[string]bool{
	"script": true, "style": true, "iframe": true, "object": true,
	"embed": true, "template": true, "noscript": true, "textarea": true,
}

// RenderHTML prepares content that was stored as HTML: it is sanitized
// instead of being parsed as Markdown.
func (r *Renderer) RenderHTML(src string) Result {
	out, text := sanitize(src)
	return Result{HTML: strings.TrimSpace(out), EmojiOnly: IsEmojiOnly(text)}
}

// Sanitize keeps a small allowlist of formatting tags and safe links and
// escapes everything else. The output is always balanced.
func Sanitize(src string) string {
	out, _ := sanitize(src)
	return out
}

func sanitize(src string) (string, string) {
	var (
		out   strings.Builder
		text  strings.Builder
		open  []string
		skip  int
		token = html.NewTokenizer(strings.NewReader(src))
	)
	for {
		tt := token.Next()
		// io.EOF, or input the tokenizer gives up on; either way keep
		// what was accepted so far.
		if tt == html.ErrorToken {
			break
		}
		tok := token.Token()

		switch tt {
		case html.TextToken:
			if skip == 0 {
				out.WriteString(html.EscapeString(tok.Data))
				text.WriteString(tok.Data)
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			if droppedContent[tok.Data] {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if skip > 0 {
				continue
			}
			attrs, ok := allowedTags[tok.Data]
			if !ok {
				continue
			}
			writeStartTag(&out, tok, attrs)
			if !voidTags[tok.Data] && tt == html.StartTagToken {
				open = append(open, tok.Data)
			}

		case html.EndTagToken:
			if droppedContent[tok.Data] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if skip > 0 {
				continue
			}
			// Close up to the matching open tag; stray end tags are dropped.
			for i := len(open) - 1; i >= 0; i-- {
				if open[i] != tok.Data {
					continue
				}
				for j := len(open) - 1; j >= i; j-- {
					out.WriteString("</" + open[j] + ">")
				}
				open = open[:i]
				break
			}
		}
	}
	for j := len(open) - 1; j >= 0; j-- {
		out.WriteString("</" + open[j] + ">")
	}
	return out.String(), text.String()
}

func writeStartTag(w *strings.Builder, tok html.Token, allowed []string) {
	w.WriteString("<" + tok.Data)
	for _, a := range tok.Attr {
		if a.Namespace != "" || !slices.Contains(allowed, a.Key) {
			continue
		}
		val := strings.TrimSpace(a.Val)
		if (a.Key == "href" || a.Key == "src") && !safeURL(val) {
			continue
		}
		w.WriteString(" " + a.Key + `="` + html.EscapeString(val) + `"`)
	}
	if tok.Data == "a" {
		w.WriteString(` rel="nofollow noopener noreferrer"`)
	}
	w.WriteString(">")
}

// safeURL accepts http, https and mailto links plus site-relative paths.
func safeURL(raw string) bool {
	if raw == "" {
		return false
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return true
	}
	if strings.HasPrefix(raw, "#") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "mailto":
		return true
	default:
		return false
	}
}
