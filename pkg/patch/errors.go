package patch

import (
	"errors"
	"fmt"
)

// Error codes carried in Error.Code.
const (
	CodeFormat           = "PATCH_FORMAT"
	CodeHunkNotFound     = "HUNK_NOT_FOUND"
	CodeHunkOrder        = "HUNK_ORDER"
	CodeBaseIDMismatch   = "BASE_ID_MISMATCH"
	CodeResultIDMismatch = "RESULT_ID_MISMATCH"
	CodeUnsupported      = "UNSUPPORTED_FORMAT"
	CodeStorage          = "STORAGE"
)

// Sentinels matched by errors.Is against an *Error of the corresponding code.
var (
	ErrFormat           = errors.New("malformed patch")
	ErrMatch            = errors.New("hunk does not apply")
	ErrOrdering         = errors.New("hunks out of order")
	ErrIdentityMismatch = errors.New("content identity mismatch")
	ErrUnsupported      = errors.New("unsupported patch format")
	ErrStorage          = errors.New("storage failure")
)

var codeSentinels = map[string]error{
	CodeFormat:           ErrFormat,
	CodeHunkNotFound:     ErrMatch,
	CodeHunkOrder:        ErrOrdering,
	CodeBaseIDMismatch:   ErrIdentityMismatch,
	CodeResultIDMismatch: ErrIdentityMismatch,
	CodeUnsupported:      ErrUnsupported,
	CodeStorage:          ErrStorage,
}

// MatchCandidate is the closest region found for a hunk that did not apply.
type MatchCandidate struct {
	// Line is 1-based.
	Line int    `json:"line"`
	Diff string `json:"diff"`
}

// Error represents a structured failure while applying a patch. It satisfies
// the error interface so it can be returned directly from Apply* helpers.
type Error struct {
	Message         string
	Code            string
	RelativePath    string
	OriginalContent string
	HunkStatuses    []HunkStatus
	FailedHunk      *FailedHunk
	Candidate       *MatchCandidate
	// Errors holds every collected parse error for PATCH_FORMAT.
	Errors []error
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return "patch error"
}

// Unwrap exposes the code sentinel, the cause and any collected errors.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	var errs []error
	if sentinel, ok := codeSentinels[e.Code]; ok {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return append(errs, e.Errors...)
}

func newError(code, path, format string, args ...any) *Error {
	return &Error{
		Message:      fmt.Sprintf(format, args...),
		Code:         code,
		RelativePath: path,
	}
}

func storageError(path string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	message := err.Error()
	if path != "" {
		message = fmt.Sprintf("%s: %v", path, err)
	}
	return &Error{Message: message, Code: CodeStorage, RelativePath: path, Err: err}
}

func formatError(errs []error) *Error {
	message := fmt.Sprintf("patch has %d format error(s)", len(errs))
	if len(errs) == 1 {
		message = errs[0].Error()
	}
	return &Error{Message: message, Code: CodeFormat, Errors: append([]error(nil), errs...)}
}
