// Package tokenizer converts between text and token ids.
package tokenizer

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidInput indicates text or ids the tokenizer cannot handle.
var ErrInvalidInput = errors.New("invalid input")

// Tokenizer encodes prompts and decodes generated ids.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	// EOS returns the end-of-sequence id.
	EOS() int
	// VocabSize returns the number of ids.
	VocabSize() int
}

// BytesEOS is the end-of-sequence id of the Bytes tokenizer.
const BytesEOS = 256

// Bytes is a byte-level tokenizer: ids 0-255 are raw bytes and 256 is EOS.
type Bytes struct{}

// Encode rejects text that is not valid UTF-8.
func (Bytes) Encode(text string) ([]int, error) {
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: prompt is not valid UTF-8", ErrInvalidInput)
	}
	ids := make([]int, len(text))
	for i := range len(text) {
		ids[i] = int(text[i])
	}
	return ids, nil
}

// Decode skips EOS and replaces invalid UTF-8 sequences with U+FFFD.
func (Bytes) Decode(ids []int) (string, error) {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		switch {
		case id == BytesEOS:
			continue
		case id < 0 || id > 255:
			return "", fmt.Errorf("%w: id %d outside byte vocabulary", ErrInvalidInput, id)
		}
		buf = append(buf, byte(id))
	}
	return string(toValidUTF8(buf)), nil
}

// EOS implements Tokenizer.
func (Bytes) EOS() int { return BytesEOS }

// VocabSize implements Tokenizer.
func (Bytes) VocabSize() int { return BytesEOS + 1 }

func toValidUTF8(b []byte) []byte {
	if utf8.Valid(b) {
		return b
	}
	out := make([]byte, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			out = utf8.AppendRune(out, utf8.RuneError)
		} else {
			out = append(out, b[:size]...)
		}
		b = b[size:]
	}
	return out
}

// StreamDecoder turns a growing id sequence into text deltas, holding back
// bytes until they form complete UTF-8 sequences.
type StreamDecoder struct {
	tok     Tokenizer
	ids     []int
	emitted int
}

// NewStreamDecoder creates a stream decoder over tok.
func NewStreamDecoder(tok Tokenizer) *StreamDecoder {
	return &StreamDecoder{tok: tok}
}

// Next appends one id and returns the newly decodable text, possibly empty.
func (d *StreamDecoder) Next(id int) (string, error) {
	d.ids = append(d.ids, id)
	text, err := d.tok.Decode(d.ids)
	if err != nil {
		return "", err
	}
	// Trailing replacement chars may be an incomplete sequence; hold them back.
	complete := text
	for {
		r, size := utf8.DecodeLastRuneInString(complete)
		if r != utf8.RuneError || size == 0 {
			break
		}
		complete = complete[:len(complete)-size]
	}
	if len(complete) <= d.emitted {
		return "", nil
	}
	delta := complete[d.emitted:]
	d.emitted = len(complete)
	return delta, nil
}

// Flush returns any text still held back.
func (d *StreamDecoder) Flush() (string, error) {
	text, err := d.tok.Decode(d.ids)
	if err != nil {
		return "", err
	}
	if len(text) <= d.emitted {
		return "", nil
	}
	delta := text[d.emitted:]
	d.emitted = len(text)
	return delta, nil
}

var _ Tokenizer = Bytes{}
