package definition

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTopology    = errors.New("invalid workflow topology")
	ErrMissingStart       = errors.New("workflow has no start step")
	ErrMissingEnd         = errors.New("workflow has no end step")
	ErrDanglingReference  = errors.New("reference to an unknown step")
	ErrInvalidCondition   = errors.New("invalid condition")
	ErrDefinitionRequired = errors.New("workflow definition payload is empty")
)

// ValidationError reports the first problem found in a definition.
type ValidationError struct {
	Definition string
	Kind       error
	Detail     string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("definition %q: %v", e.Definition, e.Kind)
	}
	return fmt.Sprintf("definition %q: %v: %s", e.Definition, e.Kind, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Kind }
