package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRecipients is returned by RecipientDomain when a request
	// carries no recipient attribute at all.
	ErrNoRecipients = errors.New("protocol: request has no recipients")

	// ErrRequestTooLarge is returned by Parse when the request exceeds
	// MaxRequestSize before the terminating blank line is seen.
	ErrRequestTooLarge = errors.New("protocol: request exceeds maximum size")
)

// IncompleteRequestError reports a connection that was closed, or hit
// EOF, before the terminating blank line arrived. It carries the
// diagnostics spec.md §4.1 asks for: how many bytes were read and which
// attribute was last seen, to help debug connection churn under load.
type IncompleteRequestError struct {
	BytesRead int
	LastKey   string
	Err       error
}

func (e *IncompleteRequestError) Error() string {
	return fmt.Sprintf("protocol: incomplete request after %d bytes (last key %q): %v", e.BytesRead, e.LastKey, e.Err)
}

func (e *IncompleteRequestError) Unwrap() error { return e.Err }

func (e *IncompleteRequestError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"bytes_read": e.BytesRead,
		"last_key":   e.LastKey,
	}
}

func (e *IncompleteRequestError) Temporary() bool { return true }
