package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrDependencyCycle    = errors.New("dependency cycle")
	ErrDuplicateProvider  = errors.New("duplicate provider")
	ErrMissingParameter   = errors.New("missing parameter")
	ErrCoercion           = errors.New("value not coercible")
	ErrMalformedSignature = errors.New("malformed handler signature")
	ErrMissingKey         = errors.New("key not found in context")
	ErrDuplicateKey       = errors.New("key already present in context")
	ErrPipelineConsumed   = errors.New("compiled pipeline already invoked")
)

// DependencyResolutionError reports a provider set whose declared
// dependencies cannot be ordered. No partial ordering accompanies it.
type DependencyResolutionError struct {
	Err      error
	Provider string
	Missing  []string
	Cycle    []string
}

func (e *DependencyResolutionError) Error() string {
	switch {
	case len(e.Missing) > 0:
		return fmt.Sprintf("provider %q has dependencies to be satisfied, missing dependencies:\n - %s",
			e.Provider, strings.Join(e.Missing, "\n - "))
	case len(e.Cycle) > 0:
		return fmt.Sprintf("providers cannot be ordered, dependency cycle among: %s", strings.Join(e.Cycle, ", "))
	case e.Provider != "":
		return fmt.Sprintf("provider %q: %v", e.Provider, e.Err)
	}
	return e.Err.Error()
}

func (e *DependencyResolutionError) Unwrap() error {
	return e.Err
}

// BindingError reports a bound handler parameter that could not be resolved
// from the context at invocation time.
type BindingError struct {
	Err       error
	Handler   string
	Parameter string
	Cause     error
}

func (e *BindingError) Error() string {
	msg := fmt.Sprintf("bind parameter %q of %s: %v", e.Parameter, e.Handler, e.Err)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *BindingError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// SignatureError reports a handler declaration that cannot be compiled into
// a pipeline node.
type SignatureError struct {
	Handler string
	Reason  string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrMalformedSignature, e.Handler, e.Reason)
}

func (e *SignatureError) Unwrap() error {
	return ErrMalformedSignature
}
