package capture

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")

	// ErrCredentialMissing marks a fetch attempted without a required
	// platform secret. No network call is made in this case.
	ErrCredentialMissing = errors.New("credential not found")

	// ErrCredentialExpired marks a 401/403 from a platform API. The
	// adapter purges its own credentials before returning this.
	ErrCredentialExpired = errors.New("credential expired")
)

type APIError struct {
	Platform   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s API error: %d: %s", e.Platform, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error: %d", e.Platform, e.StatusCode)
}

func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 && e.StatusCode <= 599
}

type ParseError struct {
	Platform string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s response: %s", e.Platform, e.Reason)
}

func credentialMissingError(platform, name string) error {
	return fmt.Errorf("%s %s not found, refresh the page to capture it: %w", platform, name, ErrCredentialMissing)
}

func credentialExpiredError(platform, action string) error {
	return fmt.Errorf("%s session expired, %s: %w", platform, action, ErrCredentialExpired)
}
