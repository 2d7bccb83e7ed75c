package cli

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// RenderAnswer converts the driver's markdown-flavored answer text into
// plain terminal output. Walks the goldmark AST the same way NGOClaw's own
// MarkdownToTelegramHTML does, retargeted from Telegram HTML tags to bare
// text with the light structure (headings, code fences, list bullets) a
// terminal can show without a tag language.
func RenderAnswer(markdown string) string {
	if markdown == "" {
		return ""
	}

	src := []byte(markdown)
	md := goldmark.New()
	reader := text.NewReader(src)
	doc := md.Parser().Parse(reader)

	var buf bytes.Buffer
	r := &plainTextRenderer{src: src}
	r.render(&buf, doc)

	return strings.TrimRight(buf.String(), "\n")
}

type plainTextRenderer struct {
	src []byte
}

func (r *plainTextRenderer) render(w *bytes.Buffer, node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		r.renderNode(w, child)
	}
}

func (r *plainTextRenderer) renderNode(w *bytes.Buffer, node ast.Node) {
	switch n := node.(type) {
	case *ast.Paragraph:
		r.render(w, n)
		w.WriteString("\n\n")

	case *ast.Heading:
		w.WriteString(strings.Repeat("#", n.Level) + " ")
		r.render(w, n)
		w.WriteString("\n\n")

	case *ast.CodeSpan:
		w.WriteByte('`')
		r.render(w, n)
		w.WriteByte('`')

	case *ast.FencedCodeBlock:
		for i := 0; i < n.Lines().Len(); i++ {
			line := n.Lines().At(i)
			w.Write(line.Value(r.src))
		}
		w.WriteString("\n")

	case *ast.CodeBlock:
		for i := 0; i < n.Lines().Len(); i++ {
			line := n.Lines().At(i)
			w.Write(line.Value(r.src))
		}
		w.WriteString("\n")

	case *ast.List:
		r.render(w, n)
		w.WriteString("\n")

	case *ast.ListItem:
		w.WriteString("  - ")
		r.render(w, n)

	case *ast.Emphasis:
		marker := "*"
		if n.Level == 2 {
			marker = "**"
		}
		w.WriteString(marker)
		r.render(w, n)
		w.WriteString(marker)

	case *ast.Text:
		w.Write(n.Segment.Value(r.src))
		if n.SoftLineBreak() || n.HardLineBreak() {
			w.WriteString("\n")
		}

	case *ast.AutoLink:
		w.Write(n.URL(r.src))

	case *ast.Link:
		r.render(w, n)
		w.WriteString(" (" + string(n.Destination) + ")")

	default:
		r.render(w, n)
	}
}
