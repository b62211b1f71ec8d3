// Package wire frames v1 messages on a byte stream.
//
// Framing is newline-delimited JSON: one object per line. The decoder accumulates
// partial reads and splits coalesced ones, so a message is never assumed to arrive
// in a single read.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	v1 "notifyd/contracts/notify/v1"
)

// MaxFrameBytes is the hard limit for one encoded message (newline excluded).
const MaxFrameBytes = 64 << 10 // 64 KiB

var (
	// ErrFrameTooLarge is returned when a line exceeds MaxFrameBytes.
	ErrFrameTooLarge = errors.New("wire: frame too large")
	// ErrMalformed is returned when a line is not a JSON message.
	ErrMalformed = errors.New("wire: malformed message")
)

// Decoder reads messages from a stream.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxFrameBytes+1)
	return &Decoder{sc: sc}
}

// Decode returns the next message. Blank lines are skipped.
// It returns io.EOF when the stream ends cleanly between messages.
func (d *Decoder) Decode() (v1.Message, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		return Unmarshal(line)
	}

	err := d.sc.Err()
	switch {
	case err == nil:
		return v1.Message{}, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return v1.Message{}, ErrFrameTooLarge
	default:
		return v1.Message{}, err
	}
}

// Unmarshal decodes one frame payload (without the delimiter).
func Unmarshal(b []byte) (v1.Message, error) {
	if len(b) > MaxFrameBytes {
		return v1.Message{}, ErrFrameTooLarge
	}
	var m v1.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return v1.Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// Marshal encodes m without the trailing delimiter.
func Marshal(m v1.Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return b, nil
}

// Encode writes m followed by the delimiter using a single Write call.
func Encode(w io.Writer, m v1.Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
