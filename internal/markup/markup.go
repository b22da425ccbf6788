// Package markup renders the model's markdown into the outbound parse
// modes: html for surfaces that render rich text, plain for ones that
// do not, markdown passed through untouched for clients that do their
// own rendering.
package markup

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// Mode selects the output format of Render.
type Mode string

const (
	ModePlain    Mode = "plain"
	ModeHTML     Mode = "html"
	ModeMarkdown Mode = "markdown"
)

// ParseMode normalizes a mode string. Anything unrecognized degrades to
// plain, the mode every transport can display.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeHTML:
		return ModeHTML
	case ModeMarkdown:
		return ModeMarkdown
	default:
		return ModePlain
	}
}

// Render converts markdown body into the requested mode.
func Render(body string, mode Mode) string {
	switch mode {
	case ModeHTML:
		return ToHTML(body)
	case ModeMarkdown:
		return body
	default:
		return ToPlain(body)
	}
}

var htmlMD = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
)

// ToHTML renders markdown as HTML. Raw HTML in the source is not passed
// through, so model output cannot smuggle tags into a rendered surface.
func ToHTML(md string) string {
	var buf bytes.Buffer
	if err := htmlMD.Convert([]byte(md), &buf); err != nil {
		return escapeHTML(md)
	}
	return strings.TrimSpace(buf.String())
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

var plainMD = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
	goldmark.WithRenderer(renderer.NewRenderer(
		renderer.WithNodeRenderers(
			util.Prioritized(&plainRenderer{}, 1),
		),
	)),
)

// ToPlain strips markdown down to readable text: headings and emphasis
// lose their markers, lists keep their bullets, code blocks keep their
// content, links become "text (url)".
func ToPlain(md string) string {
	var buf bytes.Buffer
	if err := plainMD.Convert([]byte(md), &buf); err != nil {
		return md
	}
	return strings.TrimSpace(buf.String())
}

// plainRenderer walks the markdown AST and emits text content only.
type plainRenderer struct {
	ordered bool
	counter int
}

func (r *plainRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, r.renderNothing)
	reg.Register(ast.KindHeading, r.renderBlockBreak)
	reg.Register(ast.KindParagraph, r.renderBlockBreak)
	reg.Register(ast.KindTextBlock, r.renderBlockBreak)
	reg.Register(ast.KindBlockquote, r.renderNothing)
	reg.Register(ast.KindFencedCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindList, r.renderList)
	reg.Register(ast.KindListItem, r.renderListItem)
	reg.Register(ast.KindThematicBreak, r.renderBlockBreak)
	reg.Register(ast.KindHTMLBlock, r.renderSkip)

	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindCodeSpan, r.renderNothing)
	reg.Register(ast.KindEmphasis, r.renderNothing)
	reg.Register(ast.KindLink, r.renderLink)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
	reg.Register(ast.KindImage, r.renderNothing)
	reg.Register(ast.KindRawHTML, r.renderSkip)
	reg.Register(extast.KindStrikethrough, r.renderNothing)
}

func (r *plainRenderer) renderNothing(_ util.BufWriter, _ []byte, _ ast.Node, _ bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderSkip(_ util.BufWriter, _ []byte, _ ast.Node, _ bool) (ast.WalkStatus, error) {
	return ast.WalkSkipChildren, nil
}

func (r *plainRenderer) renderBlockBreak(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_ = w.WriteByte('\n')
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		_, _ = w.Write(seg.Value(source))
	}
	return ast.WalkSkipChildren, nil
}

func (r *plainRenderer) renderList(_ util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		list := node.(*ast.List)
		r.ordered = list.IsOrdered()
		r.counter = list.Start
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderListItem(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		if r.ordered {
			_, _ = fmt.Fprintf(w, "%d. ", r.counter)
			r.counter++
		} else {
			_, _ = w.WriteString("- ")
		}
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Text)
	_, _ = w.Write(n.Segment.Value(source))
	if n.SoftLineBreak() || n.HardLineBreak() {
		_ = w.WriteByte('\n')
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderString(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.Write(node.(*ast.String).Value)
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Link)
	dest := string(n.Destination)
	if dest != "" && dest != string(n.Text(source)) {
		_, _ = fmt.Fprintf(w, " (%s)", dest)
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.Write(node.(*ast.AutoLink).URL(source))
	}
	return ast.WalkContinue, nil
}
