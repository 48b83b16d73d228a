package errs

import (
	"errors"
	"strconv"
	"strings"
)

// CodeError is the wire-level error carried back to clients: Code is a stable
// numeric identifier, Reason the machine-readable tag put into error events,
// Detail an optional human hint.
type CodeError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, reason string) *CodeError {
	return &CodeError{Code: code, Reason: reason}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Reason)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra detail; the original sentinel stays
// untouched so Is matching keeps working.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Reason: e.Reason, Detail: d}
}

// Is matches by code so wrapped/detailed copies compare equal to sentinels.
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// AsCodeError unwraps err down to a *CodeError, or nil.
func AsCodeError(err error) *CodeError {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
