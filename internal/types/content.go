// internal/types/content.go
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type PartKind string

const (
	PartText      PartKind = "text"
	PartReasoning PartKind = "reasoning"
	PartImage     PartKind = "image"
)

// Part is one block of structured message content.
type Part struct {
	Kind PartKind
	Text string
	URL  string
}

func (p Part) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PartImage:
		return json.Marshal(map[string]any{
			"type":      "image_url",
			"image_url": map[string]string{"url": p.URL},
		})
	case PartReasoning:
		return json.Marshal(map[string]string{"type": "reasoning", "reasoning": p.Text})
	default:
		return json.Marshal(map[string]string{"type": string(p.Kind), "text": p.Text})
	}
}

func (p *Part) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		Thinking  string          `json:"thinking"`
		Reasoning string          `json:"reasoning"`
		ImageURL  json.RawMessage `json:"image_url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case "thinking", "reasoning":
		p.Kind = PartReasoning
		p.Text = raw.Thinking + raw.Reasoning
	case "image_url", "image":
		p.Kind = PartImage
		p.URL = imageURL(raw.ImageURL)
	case "":
		p.Kind = PartText
		p.Text = raw.Text
	default:
		p.Kind = PartKind(raw.Type)
		p.Text = raw.Text
	}
	return nil
}

// image_url is either a bare string or {"url": "..."}.
func imageURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		URL string `json:"url"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.URL
	}
	return ""
}

// Content is either plain text or an ordered list of parts. The zero value is
// empty plain text.
type Content struct {
	text  string
	parts []Part
}

func Text(s string) Content {
	return Content{text: s}
}

func Parts(parts ...Part) Content {
	if parts == nil {
		parts = []Part{}
	}
	return Content{parts: append([]Part(nil), parts...)}
}

func (c Content) IsParts() bool {
	return c.parts != nil
}

func (c Content) IsZero() bool {
	return c.text == "" && len(c.parts) == 0
}

func (c Content) Parts() []Part {
	if c.parts == nil {
		if c.text == "" {
			return nil
		}
		return []Part{{Kind: PartText, Text: c.text}}
	}
	return append([]Part(nil), c.parts...)
}

// String returns the visible text: plain text, or the text parts joined.
func (c Content) String() string {
	if c.parts == nil {
		return c.text
	}
	var b strings.Builder
	for _, p := range c.parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Reasoning returns the text of the reasoning parts, if any.
func (c Content) Reasoning() string {
	var b strings.Builder
	for _, p := range c.parts {
		if p.Kind == PartReasoning {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Concat appends o to c. Two plain texts concatenate as strings; otherwise the
// part lists are joined and adjacent text blocks of the same kind at the seam
// are merged.
func (c Content) Concat(o Content) Content {
	if c.IsZero() {
		return o.clone()
	}
	if o.IsZero() {
		return c.clone()
	}
	if c.parts == nil && o.parts == nil {
		return Text(c.text + o.text)
	}
	left := c.Parts()
	right := o.Parts()
	last := &left[len(left)-1]
	if first := right[0]; first.Kind == last.Kind && first.Kind != PartImage {
		last.Text += first.Text
		right = right[1:]
	}
	return Content{parts: append(left, right...)}
}

func (c Content) clone() Content {
	if c.parts == nil {
		return c
	}
	return Content{parts: append([]Part{}, c.parts...)}
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.parts != nil {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		*c = Content{}
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Text(s)
	case data[0] == '[':
		var parts []Part
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = Parts(parts...)
	default:
		return fmt.Errorf("content: unexpected JSON %.20q", data)
	}
	return nil
}
