package signup

import "errors"

var (
	ErrRegistrationFailed = errors.New("signup: registration failed")
	ErrSessionOpen        = errors.New("signup: session open failed")
	ErrSessionState       = errors.New("signup: invalid session state transition")
	ErrHandlerPanic       = errors.New("signup: handler panicked")
	ErrNoHubClient        = errors.New("signup: no hub client configured")
	ErrConnectionString   = errors.New("signup: connection string required")
	ErrHelperClosed       = errors.New("signup: helper closed")
)
