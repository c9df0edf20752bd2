package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the rule manager wraps exactly one of
// these so callers can classify it with errors.Is.
// 错误类别。规则管理器返回的每个错误都包装其中之一，调用方可用 errors.Is 判断。
var (
	ErrValidation = errors.New("validation error")
	ErrBackend    = errors.New("backend error")
	ErrFormat     = errors.New("format error")
)

var (
	ErrInvalidIP        = errors.New("invalid IP address")
	ErrInvalidDuration  = errors.New("invalid duration")
	ErrInvalidAction    = errors.New("invalid action")
	ErrInvalidOrigin    = errors.New("invalid origin")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrDaemonNotRunning = errors.New("daemon not running")
	ErrTimeout          = errors.New("operation timeout")
)

// Kind names used on the wire by the HTTP API.
// HTTP API 使用的错误类别名称。
const (
	KindValidation = "validation"
	KindBackend    = "backend"
	KindFormat     = "format"
	KindInternal   = "internal"
)

func NewIPError(ip string) error {
	return fmt.Errorf("%w: %w: %q", ErrValidation, ErrInvalidIP, ip)
}

func NewDurationError(value string, reason string) error {
	return fmt.Errorf("%w: %w: %q: %s", ErrValidation, ErrInvalidDuration, value, reason)
}

func NewActionError(action string) error {
	return fmt.Errorf("%w: %w: %q", ErrValidation, ErrInvalidAction, action)
}

func NewOriginError(origin string) error {
	return fmt.Errorf("%w: %w: %q", ErrValidation, ErrInvalidOrigin, origin)
}

// NewValidationError wraps an arbitrary message as a validation failure.
func NewValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// BackendError is a failure of the enforcement point during Op. It wraps a
// single cause so aggregated errors keep one entry per failure.
// BackendError 表示执行点在 Op 期间的失败，只包装一个原因，使聚合错误中每个失败只占一项。
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrBackend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is reports ErrBackend as part of the chain.
func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// NewBackendError wraps a failure of the enforcement point. Errors that are
// already backend errors are returned unchanged.
// NewBackendError 包装执行点的失败；已经是后端错误的直接返回。
func NewBackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackend) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}

func NewFormatError(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFormat, reason, err)
	}
	return fmt.Errorf("%w: %s", ErrFormat, reason)
}

func NewConfigError(field string, value interface{}) error {
	return fmt.Errorf("%w: field=%s value=%v", ErrConfigInvalid, field, value)
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsBackend(err error) bool    { return errors.Is(err, ErrBackend) }
func IsFormat(err error) bool     { return errors.Is(err, ErrFormat) }

// Kind reports the wire name of the error's category.
// Kind 返回错误类别在线路上的名称。
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return KindValidation
	case IsBackend(err):
		return KindBackend
	case IsFormat(err):
		return KindFormat
	default:
		return KindInternal
	}
}

// FromKind rebuilds a classified error from its wire form.
// FromKind 根据线路上的类别重建分类错误。
func FromKind(kind, msg string) error {
	var base error
	switch kind {
	case KindValidation:
		base = ErrValidation
	case KindBackend:
		base = ErrBackend
	case KindFormat:
		base = ErrFormat
	default:
		return errors.New(msg)
	}
	return fmt.Errorf("%w: %s", base, strings.TrimPrefix(msg, base.Error()+": "))
}
