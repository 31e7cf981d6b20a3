package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const prefixLen = 4

var (
	ErrShortFrame       = errors.New("wire: short frame")
	ErrPayloadTooLarge  = errors.New("wire: payload too large")
	ErrMalformedMessage = errors.New("wire: malformed message")
	ErrNoData           = errors.New("wire: message has no data")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

// Marshal encodes m as a bare JSON envelope, the form used for datagrams.
func Marshal(m Message) ([]byte, error) {
	if m.Header == nil {
		m.Header = []string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode message: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a bare JSON envelope.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m, nil
}

// WriteMessage writes m as one frame: a 4-byte big-endian length followed by
// the JSON envelope.
func WriteMessage(w io.Writer, m Message, limits Limits) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	if uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, prefixLen+len(payload))
	binary.BigEndian.PutUint32(buf[:prefixLen], uint32(len(payload)))
	copy(buf[prefixLen:], payload)
	_, err = w.Write(buf)
	return err
}

// ReadMessage blocks until one whole frame has been read from r. A clean EOF
// before any byte of the frame is returned as io.EOF.
func ReadMessage(r io.Reader, limits Limits) (Message, error) {
	var prefix [prefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrShortFrame
		}
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > limits.MaxPayloadBytes {
		return Message{}, ErrPayloadTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrShortFrame
		}
		return Message{}, err
	}
	return Unmarshal(payload)
}
