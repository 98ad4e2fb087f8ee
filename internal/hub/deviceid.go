package hub

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidDeviceID = errors.New("hub: invalid device id")

const MaxDeviceIDLength = 128

// ValidateDeviceID checks id against the registry key alphabet.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(id) > MaxDeviceIDLength {
		return fmt.Errorf("%w: longer than %d", ErrInvalidDeviceID, MaxDeviceIDLength)
	}
	for i := 0; i < len(id); i++ {
		if !deviceIDChar(id[i]) {
			return fmt.Errorf("%w: character %q at %d", ErrInvalidDeviceID, id[i], i)
		}
	}
	if strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: empty segment in %q", ErrInvalidDeviceID, id)
	}
	return nil
}

func deviceIDChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '.':
		return true
	default:
		return false
	}
}
