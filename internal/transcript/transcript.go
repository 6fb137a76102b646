// Package transcript renders conversation threads as markdown, trimmed to a
// token budget.
package transcript

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/dustin/go-humanize"
	"github.com/pkoukk/tiktoken-go"

	"github.com/user/chatbot/internal/types"
)

// TitleWidth is the display width titles are shortened to.
const TitleWidth = 48

var htmlTag = regexp.MustCompile(`(?i)</?(p|div|br|span|ul|ol|li|table|tr|td|th|pre|code|a|b|i|em|strong|h[1-6]|blockquote)\b[^>]*>`)

// Renderer turns message groups into markdown.
type Renderer struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	now       func() time.Time
}

// New creates a renderer. model selects the tokenizer (unknown models fall
// back to cl100k_base); maxTokens of 0 disables trimming.
func New(model string, maxTokens int) (*Renderer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Renderer{tokenizer: enc, maxTokens: maxTokens, now: time.Now}, nil
}

// CountTokens returns the token count of text.
func (r *Renderer) CountTokens(text string) int {
	return len(r.tokenizer.Encode(text, nil, nil))
}

// Budget keeps the most recent groups whose rendering fits the token budget
// and reports how many older groups were dropped. The newest group is always
// kept.
func (r *Renderer) Budget(groups []types.Group) ([]types.Group, int) {
	if r.maxTokens <= 0 || len(groups) == 0 {
		return groups, 0
	}
	used := 0
	start := len(groups)
	for i := len(groups) - 1; i >= 0; i-- {
		n := r.CountTokens(r.group(groups[i]))
		if used+n > r.maxTokens && start < len(groups) {
			break
		}
		used += n
		start = i
	}
	return groups[start:], start
}

// Render renders conv with its thread. Older turns beyond the budget are
// replaced by a note.
func (r *Renderer) Render(conv types.Conversation, groups []types.Group) string {
	var b strings.Builder

	title := conv.Title
	if title == "" {
		title = "Untitled conversation"
	}
	fmt.Fprintf(&b, "# %s\n\n", EllipsisInMiddle(title, TitleWidth))

	var meta []string
	if conv.Pinned {
		meta = append(meta, "pinned")
	}
	meta = append(meta, fmt.Sprintf("%d turns", len(groups)))
	if !conv.LastMessageAt.IsZero() {
		meta = append(meta, "updated "+humanize.RelTime(conv.LastMessageAt.Time, r.now(), "ago", "from now"))
	}
	fmt.Fprintf(&b, "_%s_\n\n", strings.Join(meta, " · "))

	kept, dropped := r.Budget(groups)
	if dropped > 0 {
		fmt.Fprintf(&b, "_%d earlier turns omitted_\n\n", dropped)
	}
	for _, g := range kept {
		b.WriteString(r.group(g))
	}
	return b.String()
}

func (r *Renderer) group(g types.Group) string {
	var b strings.Builder
	for _, m := range g.Messages {
		b.WriteString(r.message(m))
	}
	b.WriteString("---\n\n")
	return b.String()
}

func (r *Renderer) message(m types.Message) string {
	var b strings.Builder

	b.WriteString("**" + speaker(m) + "**")
	if model := m.Kwarg("model"); model != "" && m.Type != types.MessageHuman {
		b.WriteString(" (" + model + ")")
	}
	if !m.SentAt.IsZero() {
		b.WriteString(" · " + humanize.RelTime(m.SentAt.Time, r.now(), "ago", "from now"))
	}
	b.WriteString("\n\n")

	reasoning := m.Reasoning
	if reasoning == "" {
		reasoning = m.Content.Reasoning()
	}
	if reasoning != "" {
		for _, line := range strings.Split(strings.TrimSpace(reasoning), "\n") {
			b.WriteString("> " + line + "\n")
		}
		b.WriteString("\n")
	}

	if text := strings.TrimSpace(Markdown(m.Content.String())); text != "" {
		b.WriteString(text + "\n\n")
	}
	for _, p := range m.Content.Parts() {
		if p.Kind == types.PartImage && p.URL != "" {
			fmt.Fprintf(&b, "![image](%s)\n\n", p.URL)
		}
	}

	for _, f := range append(append([]types.FileMeta(nil), m.Attachments...), m.Artifacts...) {
		b.WriteString("- " + FileLine(f) + "\n")
	}
	if len(m.Attachments)+len(m.Artifacts) > 0 {
		b.WriteString("\n")
	}
	return b.String()
}

func speaker(m types.Message) string {
	switch m.Type {
	case types.MessageHuman:
		if m.From != "" {
			return m.From
		}
		return "You"
	case types.MessageTool, types.MessageToolChunk:
		return "Tool"
	case types.MessageError:
		return "Error"
	default:
		return "Assistant"
	}
}

// FileLine describes an attachment in one line: name, size and, while it is
// still uploading, its status.
func FileLine(f types.FileMeta) string {
	name := EllipsisInMiddle(f.Filename, 40)
	if f.URL != "" {
		name = fmt.Sprintf("[%s](%s)", name, f.URL)
	}
	var details []string
	if f.Size > 0 {
		details = append(details, humanize.Bytes(uint64(f.Size)))
	}
	if f.Status == types.UploadUploading {
		details = append(details, "uploading")
	}
	if len(details) == 0 {
		return name
	}
	return name + " (" + strings.Join(details, ", ") + ")"
}

// Markdown converts text that carries HTML markup to markdown. Plain text
// and markdown are returned unchanged, as is text the converter rejects.
func Markdown(text string) string {
	if !htmlTag.MatchString(text) {
		return text
	}
	md, err := htmltomarkdown.ConvertString(text)
	if err != nil {
		return text
	}
	return md
}
