// Package render turns stored message text into display HTML.
package render

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/forPelevin/gomoji"
	"github.com/yuin/goldmark"
	emoji "github.com/yuin/goldmark-emoji"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/util"
)

// maxEmojiOnly is the largest emoji count still shown as a "big emoji" message.
const maxEmojiOnly = 8

// Result is the rendered form of one message.
type Result struct {
	HTML      string `json:"html"`
	EmojiOnly bool   `json:"emojiOnly,omitempty"`
}

// Renderer is safe for concurrent use.
type Renderer struct {
	md goldmark.Markdown
}

// New returns a Renderer with GitHub-flavored Markdown, hard line breaks and
// :shortcode: emoji. Raw HTML in the source is escaped, never passed through.
func New() *Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			emoji.Emoji,
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			renderer.WithNodeRenderers(util.Prioritized(escapeRawHTML{}, 100)),
		),
	)
	return &Renderer{md: md}
}

// Render converts src. On a conversion error the escaped source is returned.
func (r *Renderer) Render(src string) Result {
	res := Result{EmojiOnly: IsEmojiOnly(src)}
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		res.HTML = string(util.EscapeHTML([]byte(src)))
		return res
	}
	res.HTML = strings.TrimSpace(buf.String())
	return res
}

// IsEmojiOnly reports whether s consists of a few emoji and whitespace only.
func IsEmojiOnly(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	found := gomoji.FindAll(s)
	if len(found) == 0 || len(found) > maxEmojiOnly {
		return false
	}
	rest := strings.TrimFunc(gomoji.RemoveEmojis(s), unicode.IsSpace)
	return rest == ""
}

// escapeRawHTML replaces goldmark's raw HTML renderers so inline tags and
// HTML blocks show up as text.
type escapeRawHTML struct{}

func (escapeRawHTML) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindRawHTML, renderRawHTML)
	reg.Register(ast.KindHTMLBlock, renderHTMLBlock)
}

func renderRawHTML(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkSkipChildren, nil
	}
	n := node.(*ast.RawHTML)
	for i := 0; i < n.Segments.Len(); i++ {
		seg := n.Segments.At(i)
		_, _ = w.Write(util.EscapeHTML(seg.Value(source)))
	}
	return ast.WalkSkipChildren, nil
}

func renderHTMLBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.HTMLBlock)
	if entering {
		_, _ = w.WriteString("<p>")
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			_, _ = w.Write(util.EscapeHTML(line.Value(source)))
		}
		return ast.WalkContinue, nil
	}
	if n.HasClosure() {
		_, _ = w.Write(util.EscapeHTML(n.ClosureLine.Value(source)))
	}
	_, _ = w.WriteString("</p>\n")
	return ast.WalkContinue, nil
}
