package certstore

import (
	"errors"
	"fmt"
)

// Kind classifies a credential failure.
type Kind int

const (
	// KindMissing means the file does not exist.
	KindMissing Kind = iota + 1
	// KindEmpty means the file exists but holds no data.
	KindEmpty
	// KindParseFailure means the data is not a usable certificate or key.
	KindParseFailure
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindEmpty:
		return "empty"
	case KindParseFailure:
		return "parse failure"
	default:
		return "unknown"
	}
}

// Sentinels matched by CertError.Is so callers can use errors.Is.
var (
	ErrMissing      = errors.New("certstore: credential file missing")
	ErrEmpty        = errors.New("certstore: credential file empty")
	ErrParseFailure = errors.New("certstore: credential parse failure")
)

// CertError describes why a credential bundle could not be built.
// Every CertError is fatal to a connect attempt.
type CertError struct {
	Kind   Kind
	Name   string // role: "certificate", "private key" or "root CA"
	Path   string // empty for byte sources
	Detail string
	Err    error
}

func (e *CertError) Error() string {
	where := e.Name
	if e.Path != "" {
		where = fmt.Sprintf("%s (%s)", e.Name, e.Path)
	}
	msg := fmt.Sprintf("certstore: %s %s", where, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CertError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *CertError) Is(target error) bool {
	switch target {
	case ErrMissing:
		return e.Kind == KindMissing
	case ErrEmpty:
		return e.Kind == KindEmpty
	case ErrParseFailure:
		return e.Kind == KindParseFailure
	}
	return false
}
