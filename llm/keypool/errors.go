package keypool

import "errors"

// ErrKeyNotFound is returned when a hash doesn't match any key in the pool.
var ErrKeyNotFound = errors.New("keypool: key not found")
