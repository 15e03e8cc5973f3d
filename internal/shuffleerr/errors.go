// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package shuffleerr defines the typed error taxonomy shared by every
// shuffle data-plane component. Callers match on Kind, never on message
// text.
package shuffleerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure in the push/fetch pipeline.
type Kind int

const (
	KindUnknown Kind = iota
	KindPushDataWriteFailPrimary
	KindPushDataWriteFailReplica
	KindPushDataConnectionFail
	KindPushDataTimeout
	KindPushDataCongestControl
	KindSoftSplit
	KindHardSplit
	KindStageEnd
	KindFetchFail
	KindIntegrityMismatch
	KindIntegrityIncomplete
	KindWorkerBusy
	KindSlotsUnavailable
	KindReplicaUnavailable
	KindBufferExhausted
	KindFlusherBackPressure
	KindWriterAborted
	KindPauseReplicate
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindPushDataWriteFailPrimary:
		return "PushDataWriteFailPrimary"
	case KindPushDataWriteFailReplica:
		return "PushDataWriteFailReplica"
	case KindPushDataConnectionFail:
		return "PushDataConnectionFail"
	case KindPushDataTimeout:
		return "PushDataTimeout"
	case KindPushDataCongestControl:
		return "PushDataCongestControl"
	case KindSoftSplit:
		return "SoftSplit"
	case KindHardSplit:
		return "HardSplit"
	case KindStageEnd:
		return "StageEnd"
	case KindFetchFail:
		return "FetchFail"
	case KindIntegrityMismatch:
		return "IntegrityMismatch"
	case KindIntegrityIncomplete:
		return "IntegrityIncomplete"
	case KindWorkerBusy:
		return "WorkerBusy"
	case KindSlotsUnavailable:
		return "SlotsUnavailable"
	case KindReplicaUnavailable:
		return "ReplicaUnavailable"
	case KindBufferExhausted:
		return "BufferExhausted"
	case KindFlusherBackPressure:
		return "FlusherBackPressure"
	case KindWriterAborted:
		return "WriterAborted"
	case KindPauseReplicate:
		return "PauseReplicate"
	case KindInvalidRequest:
		return "InvalidRequest"
	default:
		return "Unknown"
	}
}

// Error is a typed shuffle-plane error. It wraps an optional underlying
// cause so errors.Is/errors.Unwrap keep working across the stack.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a Error of the given kind, wrapping cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the Kind from err, or KindUnknown if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// Is reports whether err is (or wraps) a Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the producer should retry the same request
// (possibly against a different endpoint) rather than fail the map task.
func Retryable(kind Kind) bool {
	switch kind {
	case KindPushDataConnectionFail, KindPushDataTimeout, KindWorkerBusy,
		KindSlotsUnavailable, KindPushDataCongestControl,
		KindPushDataWriteFailPrimary, KindPushDataWriteFailReplica,
		KindHardSplit:
		return true
	default:
		return false
	}
}

// AlternatesReplica reports whether retrying this kind should switch to
// the peer replica rather than retry the same endpoint.
func AlternatesReplica(kind Kind) bool {
	switch kind {
	case KindPushDataConnectionFail, KindPushDataTimeout,
		KindPushDataWriteFailPrimary, KindPushDataWriteFailReplica,
		KindReplicaUnavailable:
		return true
	default:
		return false
	}
}
