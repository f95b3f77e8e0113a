package compose

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindMissingField     ErrorKind = "MissingField"
	KindInvalidReference ErrorKind = "InvalidReference"
	KindConflict         ErrorKind = "Conflict"
)

var (
	ErrMissingField     = errors.New("missing field")
	ErrInvalidReference = errors.New("invalid reference")
	ErrConflict         = errors.New("conflict")
)

// ConfigError describes one reason a TaskSpec could not be composed.
type ConfigError struct {
	Kind   ErrorKind
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("config %s: %s", e.Kind, e.Field)
	}
	return fmt.Sprintf("config %s: %s: %s", e.Kind, e.Field, e.Detail)
}

func (e *ConfigError) Is(target error) bool {
	switch target {
	case ErrMissingField:
		return e.Kind == KindMissingField
	case ErrInvalidReference:
		return e.Kind == KindInvalidReference
	case ErrConflict:
		return e.Kind == KindConflict
	}
	return false
}

type problems []error

func (p *problems) add(kind ErrorKind, field, format string, args ...any) {
	*p = append(*p, &ConfigError{Kind: kind, Field: field, Detail: fmt.Sprintf(format, args...)})
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return errors.Join(p...)
}
