package app

import "errors"

var (
	// ErrInvalidInput rejects an upload before anything durable happens.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStoreWrite indicates the object store did not acknowledge the
	// write; the upload is aborted and nothing is enqueued.
	ErrStoreWrite = errors.New("object store write failed")
	// ErrNotFound indicates the receipt does not exist for this owner.
	ErrNotFound = errors.New("receipt not found")
)
