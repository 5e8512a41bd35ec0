package wire

import (
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// ErrMalformed is returned by Decode when the datagram bencode-decodes but
// is missing a required KRPC key or carries an unrecognized "y" (spec.md
// §7: malformed input is dropped on ingress, or answered with error 203 for
// requests — the caller decides which, Decode only classifies).
var ErrMalformed = errors.New("wire: malformed message")

// Encode bencodes m for transmission.
func Encode(m *Message) ([]byte, error) {
	b, err := bencode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return b, nil
}

// Decode bencode-decodes b and validates the required "t"/"y" keys and
// per-type shape (spec.md §4.1: "If the dictionary lacks t or y, drop").
//
// On a validation failure (as opposed to a bencode syntax error) the
// partially-decoded Message is still returned alongside the error, so a
// caller that can identify "t" can still answer a malformed request with
// an error frame carrying the right transaction id (spec.md §7).
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := bencode.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.T == "" {
		return &m, fmt.Errorf("%w: missing t", ErrMalformed)
	}
	switch Type(m.Y) {
	case TypeQuery:
		if m.Q == "" || m.A == nil {
			return &m, fmt.Errorf("%w: query missing q/a", ErrMalformed)
		}
	case TypeResponse:
		if m.R == nil {
			return &m, fmt.Errorf("%w: response missing r", ErrMalformed)
		}
	case TypeError:
		if m.E == nil {
			return &m, fmt.Errorf("%w: error missing e", ErrMalformed)
		}
	default:
		return &m, fmt.Errorf("%w: unknown y %q", ErrMalformed, m.Y)
	}
	return &m, nil
}
