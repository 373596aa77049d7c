package storage

import "errors"

var (
	ErrNotFound    = errors.New("storage: block not found")
	ErrInvalidCID  = errors.New("storage: invalid cid")
	ErrCIDMismatch = errors.New("storage: block does not match cid")
	ErrImmutable   = errors.New("storage: block already stored with different bytes")
	ErrNoBackends  = errors.New("storage: no backends configured")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
