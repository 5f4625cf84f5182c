package api

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// MaxMessageSize is the maximum allowed frame size on the export connection.
const MaxMessageSize = 64 * 1024 * 1024

// ErrMessageTooLarge is returned when a frame exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("message size exceeds maximum allowed size")

// ReadMessage reads a length-prefixed frame.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func ReadMessage(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length > MaxMessageSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes (max: %d)", length, MaxMessageSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "failed to read message body")
	}
	return buf, nil
}

// WriteMessage writes a length-prefixed frame.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func WriteMessage(w io.Writer, data []byte) error {
	if len(data) > math.MaxUint32 || len(data) > MaxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "%d bytes (max: %d)", len(data), MaxMessageSize)
	}

	length := uint32(len(data)) // #nosec G115 - bounds checked above
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return errors.Wrap(err, "failed to write message length")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "failed to write message body")
	}
	return nil
}
