package errors

import (
	"errors"
	"fmt"
)

var (
	ErrRecipeNotFound     = errors.New("recipe file not found")
	ErrRecipeParseFailed  = errors.New("recipe parsing failed")
	ErrManifestInvalid    = errors.New("dependency manifest invalid")
	ErrDependencyConflict = errors.New("dependency conflict")
	ErrEntrypointMissing  = errors.New("entrypoint script missing")
	ErrSourceFailed       = errors.New("source fetch failed")
	ErrOSPackageFailed    = errors.New("OS package installation failed")
	ErrBuildFailed        = errors.New("image build failed")
	ErrVerifyFailed       = errors.New("image verification failed")
	ErrLockMismatch       = errors.New("lock file mismatch")
	ErrRuntimeFailed      = errors.New("runtime operation failed")
	ErrConfigInvalid      = errors.New("configuration invalid")
	ErrNetworkFailed      = errors.New("network operation failed")
	ErrFileSystemFailed   = errors.New("filesystem operation failed")
)

type EnvkitError struct {
	Type        error
	Context     string
	Cause       string
	Suggestion  string
	OriginalErr error
}

func (e *EnvkitError) Error() string {
	return e.OriginalErr.Error()
}

func (e *EnvkitError) Unwrap() error {
	return e.OriginalErr
}

// Is matches the error's taxonomy type, so errors.Is(err, ErrBuildFailed)
// holds for any EnvkitError of that type.
func (e *EnvkitError) Is(target error) bool {
	return e.Type == target
}

func NewEnvkitError(errorType error, context, cause, suggestion string, originalErr error) *EnvkitError {
	if originalErr == nil {
		originalErr = errorType
	}
	return &EnvkitError{
		Type:        errorType,
		Context:     context,
		Cause:       cause,
		Suggestion:  suggestion,
		OriginalErr: originalErr,
	}
}

func NewRecipeError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrRecipeNotFound, context, cause, suggestion, originalErr)
}

func NewParseError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrRecipeParseFailed, context, cause, suggestion, originalErr)
}

func NewManifestError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrManifestInvalid, context, cause, suggestion, originalErr)
}

func NewConflictError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrDependencyConflict, context, cause, suggestion, originalErr)
}

func NewEntrypointError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrEntrypointMissing, context, cause, suggestion, originalErr)
}

func NewSourceError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrSourceFailed, context, cause, suggestion, originalErr)
}

func NewOSPackageError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrOSPackageFailed, context, cause, suggestion, originalErr)
}

func NewBuildError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrBuildFailed, context, cause, suggestion, originalErr)
}

func NewVerifyError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrVerifyFailed, context, cause, suggestion, originalErr)
}

func NewLockError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrLockMismatch, context, cause, suggestion, originalErr)
}

func NewRuntimeError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrRuntimeFailed, context, cause, suggestion, originalErr)
}

func NewConfigError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrConfigInvalid, context, cause, suggestion, originalErr)
}

func NewNetworkError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrNetworkFailed, context, cause, suggestion, originalErr)
}

func NewFileSystemError(context, cause, suggestion string, originalErr error) *EnvkitError {
	return NewEnvkitError(ErrFileSystemFailed, context, cause, suggestion, originalErr)
}

// ExitError carries a process exit status that is not a failure of envkit
// itself, such as the exit code of the application container.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps err to the process exit status: 0 for nil, the carried code
// for an ExitError, and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		return exitErr.Code
	}
	return 1
}
