// Package ipc implements the stage-to-stage wire format.
//
// Every frame is a 4-byte big-endian length prefix followed by a msgpack map
// carrying a "type" discriminant. The hello frame additionally carries the
// protocol magic so that a stray connection is rejected before any session
// traffic flows.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame size and protocol constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
	// MaxPayloadSize is the maximum payload size (512 MiB). Large enough for
	// a full-prompt prefill activation.
	MaxPayloadSize = 512 * 1024 * 1024
	// Magic identifies an spm peer in the hello exchange.
	Magic uint32 = 0x104F4C7
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a payload exceeding MaxPayloadSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
	// FrameErrorUnknownType indicates a frame whose type discriminant is not recognized.
	FrameErrorUnknownType
	// FrameErrorEncode indicates a frame that could not be encoded.
	FrameErrorEncode
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorPartial:
		return "partial"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorDecode:
		return "decode"
	case FrameErrorUnknownType:
		return "unknown_type"
	case FrameErrorEncode:
		return "encode"
	default:
		return fmt.Sprintf("FrameErrorKind(%d)", int(k))
	}
}

// FrameError represents a framing or codec error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the stream can no longer be trusted.
// Partial and oversized frames desynchronize the length prefix and are
// fatal; a well-framed payload that fails to decode is not.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed frames from a stream.
type FrameDecoder struct {
	reader *bufio.Reader
}

// NewFrameDecoder creates a new frame decoder. The reader is buffered so
// that small reads from a socket are batched.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64*1024)
	}
	return &FrameDecoder{reader: br}
}

// ReadFrame reads a single frame from the stream and returns the raw
// msgpack payload.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// FrameEncoder writes length-prefixed msgpack frames. It is not safe for
// concurrent use; callers serialize writes.
type FrameEncoder struct {
	writer io.Writer
	buf    bytes.Buffer
}

// NewFrameEncoder creates a new frame encoder.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{writer: w}
}

// Encode marshals v and writes it as one frame. It returns the number of
// bytes written including the prefix.
func (e *FrameEncoder) Encode(v any) (int, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return 0, &FrameError{Kind: FrameErrorEncode, Msg: "failed to encode frame", Err: err}
	}
	return e.WriteFrame(payload)
}

// WriteFrame writes a raw payload with its length prefix in a single write.
func (e *FrameEncoder) WriteFrame(payload []byte) (int, error) {
	if len(payload) > MaxPayloadSize {
		return 0, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	e.buf.Reset()
	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	e.buf.Write(lengthBuf[:])
	e.buf.Write(payload)
	return e.writer.Write(e.buf.Bytes())
}

// peekFrameType reads the "type" field without decoding the rest of the
// map. Other fields are skipped in place, so a large tensor payload is not
// copied just to learn what the frame is.
func peekFrameType(payload []byte) (string, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return "", err
	}
	for range n {
		key, err := dec.DecodeString()
		if err != nil {
			return "", err
		}
		if key == "type" {
			return dec.DecodeString()
		}
		if err := dec.Skip(); err != nil {
			return "", err
		}
	}
	return "", errors.New("frame has no type field")
}

// DecodeFrame decodes a payload into its concrete frame: *Hello, *HelloAck,
// *Envelope, *SessionStart, *SessionEnd, *CacheEvict, *Heartbeat or
// *ErrorFrame.
func DecodeFrame(payload []byte) (any, error) {
	typ, err := peekFrameType(payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode frame type",
			Err:  err,
		}
	}

	var frame any
	switch FrameType(typ) {
	case TypeHello:
		frame = &Hello{}
	case TypeHelloAck:
		frame = &HelloAck{}
	case TypeActivation:
		frame = &Envelope{}
	case TypeSessionStart:
		frame = &SessionStart{}
	case TypeSessionEnd:
		frame = &SessionEnd{}
	case TypeCacheEvict:
		frame = &CacheEvict{}
	case TypeHeartbeat:
		frame = &Heartbeat{}
	case TypeError:
		frame = &ErrorFrame{}
	default:
		return nil, &FrameError{
			Kind: FrameErrorUnknownType,
			Msg:  fmt.Sprintf("unknown frame type %q", typ),
		}
	}

	if err := msgpack.Unmarshal(payload, frame); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("failed to decode %s frame", typ),
			Err:  err,
		}
	}
	return frame, nil
}

// DecodeEnvelope decodes a payload that must be an activation frame.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	frame, err := DecodeFrame(payload)
	if err != nil {
		return nil, err
	}
	env, ok := frame.(*Envelope)
	if !ok {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("expected activation frame, got %T", frame),
		}
	}
	return env, nil
}
