// Package submission assembles the outbound request for the evaluator.
//
// Everything here is pure: building and encoding a Request performs no I/O, so
// the package is tested without a network stub.
package submission

import (
	"fmt"
	"strings"
)

// Mode is the input mode a submission was made in.
type Mode int

const (
	// ModeText submits typed essay text.
	ModeText Mode = iota
	// ModeSingleImage submits one photographed page.
	ModeSingleImage
	// ModeMultiImage submits several pages the evaluator merges in order.
	ModeMultiImage
)

// Modes lists every mode in display order.
var Modes = []Mode{ModeText, ModeSingleImage, ModeMultiImage}

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeSingleImage:
		return "single-image"
	case ModeMultiImage:
		return "multi-image"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name accepted by ParseMode.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m >= ModeText && m <= ModeMultiImage
}

// ParseMode parses a mode name. Short aliases used by the CLI and the web
// form ("single", "multi", "image", "images") are accepted.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "essay":
		return ModeText, nil
	case "single-image", "single", "image":
		return ModeSingleImage, nil
	case "multi-image", "multi", "images", "batch":
		return ModeMultiImage, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (expected text, single-image or multi-image)", s)
	}
}
