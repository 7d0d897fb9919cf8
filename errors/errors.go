package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrDuplicateProvider = errors.New("duplicate provider identifier")
	ErrNoProviders       = errors.New("no providers configured")
	ErrReservedName      = errors.New("provider identifier is reserved")
	ErrNoRounds          = errors.New("conversation has no rounds")
	ErrEmptyResponse     = errors.New("empty response")
)

// ConfigError reports every credential that was missing at startup.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required API keys: %s", strings.Join(e.Missing, ", "))
}

func (e *ConfigError) Unwrap() error { return ErrMissingCredential }
