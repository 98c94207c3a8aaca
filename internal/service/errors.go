package service

import "errors"

// ErrResponseTooLarge is returned when a buffered upstream body exceeds
// cors.max_buffer_bytes.
var ErrResponseTooLarge = errors.New("upstream response exceeds buffer limit")
