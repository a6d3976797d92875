// ABOUTME: Markdown rendering and message splitting for chat frontends.
// ABOUTME: Produces Telegram-safe HTML and chunks text under platform size limits.

package markup

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// md renders agent output. GFM covers the tables/strikethrough/autolinks
// agents tend to emit.
var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// allowedTags is the tag set Telegram's HTML parse mode accepts. Everything
// else is stripped, keeping inner text.
var allowedTags = map[string]bool{
	"b": true, "strong": true,
	"i": true, "em": true,
	"u": true, "ins": true,
	"s": true, "strike": true, "del": true,
	"a":    true,
	"code": true, "pre": true,
	"blockquote": true,
}

// blockTags are stripped tags whose removal should still produce a visual
// break, so paragraphs and list items don't run together.
var blockTags = map[string]bool{
	"p": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "tr": true, "thead": true, "tbody": true, "hr": true,
}

// RenderHTML converts markdown to HTML restricted to the tags Telegram's
// HTML parse mode supports. Unsupported tags are dropped; their content is
// kept, with block-level tags replaced by line breaks.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return sanitize(buf.String()), nil
}

// sanitize walks the rendered HTML and keeps only whitelisted tags. This is
// a tag-level filter, not a full HTML parser: goldmark's output is
// well-formed, which is all it needs to handle.
func sanitize(html string) string {
	var out strings.Builder
	out.Grow(len(html))

	for i := 0; i < len(html); {
		if html[i] != '<' {
			out.WriteByte(html[i])
			i++
			continue
		}

		end := strings.IndexByte(html[i:], '>')
		if end < 0 {
			out.WriteString(html[i:])
			break
		}
		tag := html[i : i+end+1]
		i += end + 1

		name := tagName(tag)
		switch {
		case allowedTags[name]:
			out.WriteString(tag)
		case blockTags[name] && !strings.HasPrefix(tag, "</"):
			// Opening block tag: keep the visual separation.
			if s := out.String(); s != "" && !strings.HasSuffix(s, "\n") {
				out.WriteByte('\n')
			}
		}
	}

	return strings.TrimSpace(out.String())
}

// tagName extracts the lowercase element name from a raw tag like
// "</pre>" or `<a href="x">`.
func tagName(tag string) string {
	name := strings.Trim(tag, "<>/")
	if idx := strings.IndexAny(name, " \t\n"); idx >= 0 {
		name = name[:idx]
	}
	return strings.ToLower(strings.TrimSuffix(name, "/"))
}

// Split breaks text into pieces no longer than maxLen runes, preferring
// paragraph boundaries, then word boundaries, then hard rune cuts. Used to
// respect per-message size limits (Telegram: 4096).
func Split(text string, maxLen int) []string {
	if len([]rune(text)) <= maxLen {
		return []string{text}
	}

	var chunks []string
	var current string

	for _, para := range strings.Split(text, "\n\n") {
		switch {
		case runeLen(current)+runeLen(para)+2 <= maxLen:
			if current == "" {
				current = para
			} else {
				current += "\n\n" + para
			}
		case runeLen(para) > maxLen:
			if current != "" {
				chunks = append(chunks, current)
				current = ""
			}
			chunks = append(chunks, splitLongParagraph(para, maxLen)...)
		default:
			if current != "" {
				chunks = append(chunks, current)
			}
			current = para
		}
	}

	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// splitLongParagraph splits an oversized paragraph by words, falling back to
// hard rune cuts for words longer than maxLen.
func splitLongParagraph(para string, maxLen int) []string {
	var chunks []string
	var current string

	for _, word := range strings.Fields(para) {
		switch {
		case runeLen(current)+runeLen(word)+1 <= maxLen:
			if current == "" {
				current = word
			} else {
				current += " " + word
			}
		case runeLen(word) > maxLen:
			if current != "" {
				chunks = append(chunks, current)
				current = ""
			}
			runes := []rune(word)
			for len(runes) > maxLen {
				chunks = append(chunks, string(runes[:maxLen]))
				runes = runes[maxLen:]
			}
			current = string(runes)
		default:
			if current != "" {
				chunks = append(chunks, current)
			}
			current = word
		}
	}

	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

func runeLen(s string) int {
	return len([]rune(s))
}
