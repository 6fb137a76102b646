// Package stream decodes the assistant event stream and tracks the open
// stream of every conversation.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/user/chatbot/internal/types"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
	readSize     = 4096
)

// Frame is one decoded data line.
type Frame struct {
	Done    bool
	Message *types.Message
	// Raw is the payload as received, kept for logging undecodable lines.
	Raw string
	Err error
}

// Decoder turns raw response bytes into frames. Bytes may arrive split at any
// boundary; an incomplete trailing line is held until the next Write.
type Decoder struct {
	buf []byte
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write appends p to the buffer and returns the frames of every line it
// completed, in wire order.
func (d *Decoder) Write(p []byte) []Frame {
	d.buf = append(d.buf, p...)
	var frames []Frame
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		if f, ok := parseLine(line); ok {
			frames = append(frames, f)
		}
		d.buf = d.buf[i+1:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Flush decodes whatever is left in the buffer as a final line.
func (d *Decoder) Flush() []Frame {
	line := d.buf
	d.buf = nil
	if f, ok := parseLine(line); ok {
		return []Frame{f}
	}
	return nil
}

func parseLine(line []byte) (Frame, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Frame{}, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return Frame{}, false
	}
	if string(payload) == doneSentinel {
		return Frame{Done: true, Raw: doneSentinel}, true
	}

	var msg types.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Frame{Raw: string(payload), Err: fmt.Errorf("decode event: %w", err)}, true
	}
	return Frame{Message: &msg, Raw: string(payload)}, true
}

// Decode reads r until EOF, the done sentinel, or until yield returns false,
// passing every frame to yield in order. Cancellation of ctx is checked before
// each read and surfaces as ctx.Err(). The caller owns r and closes it.
func Decode(ctx context.Context, r io.Reader, yield func(Frame) bool) error {
	dec := NewDecoder()
	chunk := make([]byte, readSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			for _, f := range dec.Write(chunk[:n]) {
				if !yield(f) || f.Done {
					return nil
				}
			}
		}
		if errors.Is(err, io.EOF) {
			for _, f := range dec.Flush() {
				if !yield(f) || f.Done {
					return nil
				}
			}
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read stream: %w", err)
		}
	}
}
