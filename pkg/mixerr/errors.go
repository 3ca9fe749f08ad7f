// Package mixerr holds the error taxonomy shared by the mixer packages.
//
// Every error type reports the pipeline stage that produced it, because the
// retry strategy differs per stage: sync and resolve failures are retryable
// after a fresh sync, prove and decode failures are fatal for the note, and
// submit failures are handed back to the caller untouched.
package mixerr

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageDecode  Stage = "decode"
	StageSync    Stage = "sync"
	StageResolve Stage = "resolve"
	StageProve   Stage = "prove"
	StageSubmit  Stage = "submit"
)

type staged interface {
	Stage() Stage
}

// StageOf returns the stage of the first staged error in err's chain, or ""
// when err carries no stage.
func StageOf(err error) Stage {
	var s staged
	if errors.As(err, &s) {
		return s.Stage()
	}
	return ""
}

// Retryable reports whether retrying after a fresh sync may succeed.
func Retryable(err error) bool {
	var syncErr *SyncError
	var notFound *NotFoundError
	return errors.As(err, &syncErr) || errors.As(err, &notFound)
}

// MalformedNoteError is returned when a transport string does not decode to
// a well-formed note.
type MalformedNoteError struct {
	Length int // decoded length, -1 when the payload was not valid base64
	Err    error
}

func (e *MalformedNoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: malformed note: %v", StageDecode, e.Err)
	}
	return fmt.Sprintf("%s: malformed note: decoded %d bytes", StageDecode, e.Length)
}

func (e *MalformedNoteError) Unwrap() error { return e.Err }
func (e *MalformedNoteError) Stage() Stage  { return StageDecode }

// SyncError wraps a chain query or indexing failure.
type SyncError struct {
	Contract string
	Op       string
	Err      error
}

func (e *SyncError) Error() string {
	var b strings.Builder
	b.WriteString(string(StageSync))
	b.WriteString(": ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	if e.Contract != "" {
		b.WriteString(e.Contract)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SyncError) Unwrap() error { return e.Err }
func (e *SyncError) Stage() Stage  { return StageSync }

// DuplicateCommitmentError reports a commitment observed at more than one
// leaf index. It is a protocol anomaly and must stop the withdrawal.
type DuplicateCommitmentError struct {
	Commitment string
	Indices    []uint32
}

func (e *DuplicateCommitmentError) Error() string {
	return fmt.Sprintf("%s: commitment %s appears at leaf indices %v", StageResolve, e.Commitment, e.Indices)
}

func (e *DuplicateCommitmentError) Stage() Stage { return StageResolve }

// NotFoundError means the commitment has not been observed yet.
type NotFoundError struct {
	Commitment string
	SetSize    int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: commitment %s not found among %d leaves", StageResolve, e.Commitment, e.SetSize)
}

func (e *NotFoundError) Stage() Stage { return StageResolve }

// InvalidProofBundleError is returned when the proving engine output, or the
// request handed to it, fails validation. A bundle that produced this error
// must never be submitted.
type InvalidProofBundleError struct {
	Reason string
	Err    error
}

func (e *InvalidProofBundleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: invalid proof bundle: %s: %v", StageProve, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: invalid proof bundle: %s", StageProve, e.Reason)
}

func (e *InvalidProofBundleError) Unwrap() error { return e.Err }
func (e *InvalidProofBundleError) Stage() Stage  { return StageProve }

// CanceledError is returned when the caller's context ends while a stage is
// running. It is neither a protocol anomaly nor a malformed result.
type CanceledError struct {
	At  Stage
	Err error
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("%s: canceled: %v", e.At, e.Err)
}

func (e *CanceledError) Unwrap() error { return e.Err }
func (e *CanceledError) Stage() Stage  { return e.At }

// SubmissionError wraps whatever the ledger client returned.
type SubmissionError struct {
	Action   string
	Contract string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: %s on %s: %v", StageSubmit, e.Action, e.Contract, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
func (e *SubmissionError) Stage() Stage  { return StageSubmit }
