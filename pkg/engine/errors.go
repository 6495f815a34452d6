package engine

import (
	"errors"
	"fmt"
	"io/fs"
)

// ErrorClass classifies a deployment failure.
type ErrorClass string

const (
	// ClassConfigNotFound means no record exists for the (app, env) pair.
	// Non-fatal for the process: the deploy aborts before any stage runs.
	ClassConfigNotFound ErrorClass = "config_not_found"

	// ClassInvalidConfig means a record or parsed config failed validation.
	ClassInvalidConfig ErrorClass = "invalid_config"

	// ClassPolicyViolation means a pre-flight policy denied the deployment.
	ClassPolicyViolation ErrorClass = "policy_violation"

	// ClassIOFailure covers copy, backup and filesystem errors.
	ClassIOFailure ErrorClass = "io_failure"

	// ClassMissingEntryPoint means the startup entry point was not found
	// in the deployment directory after synchronization.
	ClassMissingEntryPoint ErrorClass = "missing_entry_point"

	// ClassExternalToolFailure means an invoked tool exited non-zero.
	// Stderr is carried verbatim.
	ClassExternalToolFailure ErrorClass = "external_tool_failure"
)

// DeployError is a classified failure of one pipeline stage or of the
// pre-flight checks that run before the pipeline.
type DeployError struct {
	// Class is the failure classification.
	Class ErrorClass `json:"class"`

	// Stage is the stage that failed. Empty for pre-flight failures.
	Stage Stage `json:"stage,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Stderr is the captured standard error of a failed external tool.
	Stderr string `json:"stderr,omitempty"`

	// ExitCode is the exit status of a failed external tool.
	ExitCode int `json:"exit_code,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *DeployError) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = fmt.Sprintf("[%s] stage %s: %s", e.Class, e.Stage, msg)
	} else {
		msg = fmt.Sprintf("[%s] %s", e.Class, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DeployError) Unwrap() error {
	return e.Err
}

// Is matches another *DeployError by class, so errors.Is(err, &DeployError{Class: c}) works.
func (e *DeployError) Is(target error) bool {
	t, ok := target.(*DeployError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithStage sets the failing stage.
func (e *DeployError) WithStage(stage Stage) *DeployError {
	e.Stage = stage
	return e
}

// NewConfigNotFoundError reports a missing record for app/env.
func NewConfigNotFoundError(app, env string, err error) *DeployError {
	return &DeployError{
		Class:   ClassConfigNotFound,
		Message: fmt.Sprintf("no configuration found for %s in %s", app, env),
		Err:     err,
	}
}

// NewInvalidConfigError reports a configuration that failed validation.
func NewInvalidConfigError(message string, err error) *DeployError {
	return &DeployError{
		Class:   ClassInvalidConfig,
		Message: message,
		Err:     err,
	}
}

// NewPolicyError reports a denied deployment.
func NewPolicyError(message string) *DeployError {
	return &DeployError{
		Class:   ClassPolicyViolation,
		Message: message,
	}
}

// NewIOError reports a filesystem failure.
func NewIOError(message string, err error) *DeployError {
	return &DeployError{
		Class:   ClassIOFailure,
		Message: message,
		Err:     err,
	}
}

// NewMissingEntryPointError reports an entry point absent from the deployment
// directory. The result matches fs.ErrNotExist with errors.Is.
func NewMissingEntryPointError(path string) *DeployError {
	return &DeployError{
		Class:   ClassMissingEntryPoint,
		Message: fmt.Sprintf("startup entry point %s not found", path),
		Err:     fs.ErrNotExist,
	}
}

// NewToolError reports a non-zero exit of an external tool.
func NewToolError(message string, exitCode int, stderr string) *DeployError {
	return &DeployError{
		Class:    ClassExternalToolFailure,
		Message:  fmt.Sprintf("%s (exit code %d)", message, exitCode),
		Stderr:   stderr,
		ExitCode: exitCode,
	}
}

// ClassOf returns the class of err, or an empty class if err is not a *DeployError.
func ClassOf(err error) ErrorClass {
	var e *DeployError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsConfigNotFound reports whether err is a ClassConfigNotFound failure.
func IsConfigNotFound(err error) bool {
	return ClassOf(err) == ClassConfigNotFound
}

// IsMissingEntryPoint reports whether err is a ClassMissingEntryPoint failure.
func IsMissingEntryPoint(err error) bool {
	return ClassOf(err) == ClassMissingEntryPoint
}

// IsToolFailure reports whether err is a ClassExternalToolFailure failure.
func IsToolFailure(err error) bool {
	return ClassOf(err) == ClassExternalToolFailure
}

// asStageError classifies err for stage, defaulting unclassified errors to
// fallback. The returned error always carries the stage.
func asStageError(stage Stage, fallback ErrorClass, err error) *DeployError {
	var e *DeployError
	if errors.As(err, &e) {
		if e.Stage == "" {
			e.Stage = stage
		}
		return e
	}
	return &DeployError{
		Class:   fallback,
		Stage:   stage,
		Message: "stage failed",
		Err:     err,
	}
}
