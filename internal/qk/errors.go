package qk

import "errors"

var (
	// ErrNotFound is returned when neither store holds a record.
	ErrNotFound = errors.New("record not found")

	// ErrLocalStore wraps failures of the local durable store. These are the
	// only persistence failures surfaced to callers of Save and Get.
	ErrLocalStore = errors.New("local store failure")

	// ErrRemoteUnavailable marks a remote operation that failed or timed out.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrDuplicate is returned by CreateRecord when the business key or the
	// (identity, revision) pair is already taken.
	ErrDuplicate = errors.New("record already exists")

	// ErrInvalidBusinessKey is returned when a key does not parse.
	ErrInvalidBusinessKey = errors.New("invalid business key")

	// ErrObjectNotFound is returned by providers for missing objects.
	ErrObjectNotFound = errors.New("object not found")

	// ErrAttachmentNotFound is returned once every provider and name variant
	// has been probed without a match.
	ErrAttachmentNotFound = errors.New("attachment not found")
)
