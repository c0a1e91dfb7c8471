package cache

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrInvalidKey    = errors.New("invalid cache key")
	ErrInvalidOption = errors.New("invalid option")
	ErrNotFound      = errors.New("cache entry not found")
)

// PanicError is returned to every waiter of a producer that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("cache: producer panicked: %v", e.Value)
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidKey, key)
	}
	return nil
}
