// Package transfer implements the Transfer Coordinator (C8): the outbound
// download path, its state machine, retry policy, progress reporting, and
// cancellation. Grounded on the teacher's cli/internal/transfer package
// (errors.go's sentinel+wrapped-error style, progress.go's progress-event
// shape, constants.go's tunables), generalized from a WebRTC data-channel
// sender/receiver pair to a retrying TCP client driving session.Session,
// with github.com/jpillora/backoff (a myelnet-go-hop-exchange direct
// dependency) for the retry schedule. Human-readable size/speed formatting
// is not done here; cmd/p2pnode formats with github.com/dustin/go-humanize.
package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("transfer: validation failed")
	ErrPeerUnknown    = errors.New("transfer: peer unknown")
	ErrPeerOffline    = errors.New("transfer: peer offline")
	ErrNotFound       = errors.New("transfer: transfer not found")
	ErrAlreadyStopped = errors.New("transfer: coordinator stopped")
)

// ValidationError reports which field of a TransferRequest failed
// ValidateRequest and why, mirroring the teacher's TransferError{Op, File,
// Err, Details} shape (Op here is always "ValidateRequest"; Field stands in
// for File). errors.Is(err, ErrValidation) still holds through Unwrap.
type ValidationError struct {
	Op      string
	Field   string
	Err     error
	Details string
}

func (e *ValidationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.Field, e.Err, e.Details)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(field, details string) *ValidationError {
	return &ValidationError{Op: "ValidateRequest", Field: field, Err: ErrValidation, Details: details}
}

// Failure codes the coordinator sets itself (spec §4.7/§7): local I/O
// failures and peer-lookup failures. The coordinator never sends them on
// the wire; they only populate Transfer.State.Failed.Code.
const (
	CodeStorageFull      = "STORAGE_FULL"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeIOError          = "IO_ERROR"
	CodePeerUnknown      = "PEER_UNKNOWN"
	CodePeerOffline      = "PEER_OFFLINE"
)

// nonRetryableCodes are the remote-application error codes spec §4.7 says
// must not be retried.
var nonRetryableCodes = map[string]bool{
	"FILE_NOT_FOUND":     true,
	"PERMISSION_DENIED":  true,
	"STORAGE_FULL":       true,
	"TRANSFER_CANCELLED": true,
	"INVALID_REQUEST":    true,
}

func isRetryableCode(code string) bool {
	return !nonRetryableCodes[code]
}
