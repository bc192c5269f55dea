package hub

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	CodeValidation         = "HUB_VALIDATION"
	CodeThrottlingExceeded = "HUB_THROTTLING_EXCEEDED"
	CodeNodeStopping       = "HUB_NODE_STOPPING"
	CodeLockFailure        = "HUB_LOCK_FAILURE"
	CodeVersionConflict    = "HUB_VERSION_CONFLICT"
	CodeDuplicateMessage   = "HUB_DUPLICATE_MESSAGE"
	CodeNotFound           = "HUB_NOT_FOUND"
	CodeStopping           = "HUB_STOPPING"
	CodeIllegalState       = "HUB_ILLEGAL_STATE"
	CodeNoHandler          = "HUB_NO_HANDLER"
	CodeQueueFull          = "HUB_QUEUE_FULL"
)

var (
	ErrValidation         = apperrors.New("validation failed", apperrors.CategoryValidation).WithTextCode(CodeValidation)
	ErrThrottlingExceeded = apperrors.New("throttling limit exceeded", apperrors.CategoryBadInput).WithTextCode(CodeThrottlingExceeded)
	ErrNodeStopping       = apperrors.New("node does not accept new messages", apperrors.CategoryConflict).WithTextCode(CodeNodeStopping)
	ErrLockFailure        = apperrors.New("lock failure", apperrors.CategoryConflict).WithTextCode(CodeLockFailure)
	ErrVersionConflict    = apperrors.New("version conflict", apperrors.CategoryConflict).WithTextCode(CodeVersionConflict)
	ErrDuplicateMessage   = apperrors.New("message already exists", apperrors.CategoryConflict).WithTextCode(CodeDuplicateMessage)
	ErrNotFound           = apperrors.New("record not found", apperrors.CategoryBadInput).WithTextCode(CodeNotFound)
	ErrStopping           = apperrors.New("system is stopping", apperrors.CategoryExternal).WithTextCode(CodeStopping)
	ErrIllegalState       = apperrors.New("illegal state", apperrors.CategoryConflict).WithTextCode(CodeIllegalState)
	ErrNoHandler          = apperrors.New("no handler registered", apperrors.CategoryBadInput).WithTextCode(CodeNoHandler)
	ErrQueueFull          = apperrors.New("queue is full", apperrors.CategoryExternal).WithTextCode(CodeQueueFull)
)

// NewError clones base and attaches message, source and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrIllegalState
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// TextCode returns the outermost text code in err, if any.
func TextCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode walks the wrap chain looking for a text code.
func HasCode(err error, code string) bool {
	for depth := 0; err != nil && depth < 32; depth++ {
		var ge *apperrors.Error
		if !stderrors.As(err, &ge) {
			return false
		}
		if ge.TextCode == code {
			return true
		}
		err = ge.Source
	}
	return false
}

func IsValidation(err error) bool { return HasCode(err, CodeValidation) }

func IsThrottled(err error) bool { return HasCode(err, CodeThrottlingExceeded) }

func IsNodeStopping(err error) bool { return HasCode(err, CodeNodeStopping) }

// IsLockFailure also matches version conflicts, which are lost optimistic locks.
func IsLockFailure(err error) bool {
	return HasCode(err, CodeLockFailure) || HasCode(err, CodeVersionConflict)
}

func IsDuplicate(err error) bool { return HasCode(err, CodeDuplicateMessage) }

func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// IsStopping reports a system stopping signal anywhere in the chain.
func IsStopping(err error) bool {
	return HasCode(err, CodeStopping) || HasCode(err, CodeNodeStopping)
}

// BusinessError carries business-level error descriptions raised by a handler.
type BusinessError struct {
	Descriptions []string
	Err          error
}

// NewBusinessError wraps descriptions, optionally over a cause.
func NewBusinessError(cause error, descriptions ...string) *BusinessError {
	return &BusinessError{Descriptions: descriptions, Err: cause}
}

func (e *BusinessError) Error() string {
	text := "business error: " + strings.Join(e.Descriptions, BusinessErrorDelimiter)
	if e.Err != nil {
		text += ": " + e.Err.Error()
	}
	return text
}

func (e *BusinessError) Unwrap() error { return e.Err }

// BusinessErrorsOf returns the descriptions of every BusinessError in err.
func BusinessErrorsOf(err error) []string {
	var out []string
	for depth := 0; err != nil && depth < 32; depth++ {
		var be *BusinessError
		if !stderrors.As(err, &be) {
			break
		}
		out = append(out, be.Descriptions...)
		err = be.Err
	}
	return out
}

// ErrorCodeOf classifies err for storage on a failed message. A text code
// that is not part of the hub taxonomy is stored as is.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *PanicError
	switch {
	case stderrors.As(err, &pe):
		return ErrCodePanic
	case IsValidation(err):
		return ErrCodeValidation
	case IsLockFailure(err):
		return ErrCodeLockFailure
	case HasCode(err, CodeNoHandler):
		return ErrCodeNoHandler
	case IsStopping(err):
		return ErrCodeStopping
	}
	if code := TextCode(err); code != "" {
		return ErrorCode(code)
	}
	return ErrCodeUnspecified
}
