package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxVarintLen bounds the length header: 5 bytes carry 35 bits.
const MaxVarintLen = 5

var (
	ErrTruncatedMessage = errors.New("frame: truncated message")
	ErrMalformedVarint  = errors.New("frame: malformed varint length")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrInvalidOffset    = errors.New("frame: offset outside buffer")
)

// Limits constrains decode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024 * 1024,
	}
}

// EncodeDelimited writes the varint length of msg followed by msg.
func EncodeDelimited(msg []byte) []byte {
	return AppendDelimited(make([]byte, 0, protowire.SizeVarint(uint64(len(msg)))+len(msg)), msg)
}

func AppendDelimited(dst, msg []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(msg)))
	return append(dst, msg...)
}

// DecodeDelimited reads one length-delimited message starting at offset and
// returns the payload plus the number of bytes consumed (header + payload).
// The returned slice aliases buf. buf is already in memory, so no payload
// limit applies; a header claiming more than buf holds is truncation.
func DecodeDelimited(buf []byte, offset int) ([]byte, int, error) {
	return DecodeDelimitedWithLimits(buf, offset, Limits{})
}

// DecodeDelimitedWithLimits is DecodeDelimited with a payload cap. Truncation
// is reported before the cap, so a short buffer never reads as too large.
// A zero MaxPayloadBytes disables the cap.
func DecodeDelimitedWithLimits(buf []byte, offset int, limits Limits) ([]byte, int, error) {
	if offset < 0 || offset > len(buf) {
		return nil, 0, fmt.Errorf("%w: offset=%d len=%d", ErrInvalidOffset, offset, len(buf))
	}
	rest := buf[offset:]

	size, hdr, err := consumeLength(rest)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(rest)-hdr) < size {
		return nil, 0, fmt.Errorf("%w: want %d payload bytes, have %d", ErrTruncatedMessage, size, len(rest)-hdr)
	}
	if limits.MaxPayloadBytes > 0 && size > limits.MaxPayloadBytes {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}
	end := hdr + int(size)
	return rest[hdr:end], end, nil
}

// DecodeAll splits a buffer of back-to-back delimited messages.
func DecodeAll(buf []byte) ([][]byte, error) {
	var out [][]byte
	for offset := 0; offset < len(buf); {
		msg, n, err := DecodeDelimited(buf, offset)
		if err != nil {
			return out, fmt.Errorf("message %d at offset %d: %w", len(out), offset, err)
		}
		out = append(out, msg)
		offset += n
	}
	return out, nil
}

func consumeLength(b []byte) (uint64, int, error) {
	for i := 0; i < len(b) && i < MaxVarintLen; i++ {
		if b[i] < 0x80 {
			v, n := protowire.ConsumeVarint(b[:i+1])
			if n < 0 {
				return 0, 0, fmt.Errorf("%w: %v", ErrMalformedVarint, protowire.ParseError(n))
			}
			return v, n, nil
		}
	}
	if len(b) >= MaxVarintLen {
		return 0, 0, ErrMalformedVarint
	}
	return 0, 0, fmt.Errorf("%w: incomplete length header", ErrTruncatedMessage)
}

// ByteReader is the stream shape ReadDelimited needs.
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// ReadDelimited reads one delimited message from a stream. io.EOF is returned
// untouched when the stream ends cleanly before a header.
func ReadDelimited(r ByteReader, limits Limits) ([]byte, error) {
	var size uint64
	for i := 0; ; i++ {
		if i == MaxVarintLen {
			return nil, ErrMalformedVarint
		}
		c, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && i > 0 {
				return nil, fmt.Errorf("%w: incomplete length header", ErrTruncatedMessage)
			}
			return nil, err
		}
		size |= uint64(c&0x7f) << (7 * i)
		if c < 0x80 {
			break
		}
	}
	if limits.MaxPayloadBytes > 0 && size > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: want %d payload bytes", ErrTruncatedMessage, size)
		}
		return nil, err
	}
	return payload, nil
}

// NewReader wraps r so it satisfies ByteReader.
func NewReader(r io.Reader) ByteReader {
	if br, ok := r.(ByteReader); ok {
		return br
	}
	return bufio.NewReader(r)
}

func WriteDelimited(w io.Writer, msg []byte, limits Limits) error {
	if limits.MaxPayloadBytes > 0 && uint64(len(msg)) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	_, err := w.Write(EncodeDelimited(msg))
	return err
}
