// Package errs holds the sentinel errors shared by every layer of groupsync.
// Call sites wrap them with fmt.Errorf("...: %w", ...) so callers can match
// with errors.Is.
package errs

import "errors"

var (
	// ErrUnknownAddress is returned when an account address has no inbox.
	ErrUnknownAddress = errors.New("unknown address")
	// ErrEmptyMembership is returned when a group would have no members.
	ErrEmptyMembership = errors.New("empty membership")
	// ErrNotAMember is returned when the local inbox may not act on a group.
	ErrNotAMember = errors.New("not a member")
	// ErrInvalidSender marks a log entry whose sender is not a member at its position.
	ErrInvalidSender = errors.New("invalid sender")
	// ErrSyncGap is returned when the log is missing positions after the cursor.
	ErrSyncGap = errors.New("sync gap")
	// ErrRejected is returned when the log service refuses a commit.
	ErrRejected = errors.New("commit rejected")
	// ErrDecode is returned when a payload cannot be unsealed or decoded.
	ErrDecode = errors.New("decode failed")
	// ErrStorageFailure is returned when the local store cannot persist a batch.
	ErrStorageFailure = errors.New("storage failure")

	ErrNotAuthorized = errors.New("not authorized")
	ErrNotFound      = errors.New("not found")
	ErrClosed        = errors.New("client closed")
)
