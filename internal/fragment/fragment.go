// Package fragment decodes the hex text encoding used for payload fragments
// on the command channel.
package fragment

import (
	"errors"
	"fmt"
)

var (
	// ErrEmpty is returned for a zero-length fragment.
	ErrEmpty = errors.New("fragment: empty")
	// ErrOddLength is returned when the text is not made of whole digit pairs.
	ErrOddLength = errors.New("fragment: odd number of hex digits")
	// ErrInvalidDigit is returned for any character outside [0-9A-Fa-f].
	ErrInvalidDigit = errors.New("fragment: invalid hex digit")
)

// Decode converts a string of hex digit pairs into bytes, high nibble first.
// On any error the returned slice is nil; a prefix is never returned.
func Decode(text string) ([]byte, error) {
	if len(text) == 0 {
		return nil, ErrEmpty
	}
	if len(text)%2 != 0 {
		return nil, fmt.Errorf("%w (%d)", ErrOddLength, len(text))
	}
	out := make([]byte, len(text)/2)
	for i := 0; i < len(text); i += 2 {
		hi, ok := nibble(text[i])
		if !ok {
			return nil, fmt.Errorf("%w %q at offset %d", ErrInvalidDigit, text[i], i)
		}
		lo, ok := nibble(text[i+1])
		if !ok {
			return nil, fmt.Errorf("%w %q at offset %d", ErrInvalidDigit, text[i+1], i+1)
		}
		out[i/2] = hi<<4 | lo
	}
	return out, nil
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
