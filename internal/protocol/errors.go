package protocol

import "errors"

// Error taxonomy shared by the channel implementations.
var (
	// ErrConfigMismatch: attachers disagree on the channel geometry, or the
	// configuration cannot be made safe (e.g. epoch width too small for the
	// in-flight bound). Always detected at initialization.
	ErrConfigMismatch = errors.New("shmcast: configuration mismatch")

	// ErrProtocolViolation: a role touched state it does not own. These are
	// programming errors and are raised by panic on the channel fast paths.
	ErrProtocolViolation = errors.New("shmcast: protocol violation")

	ErrMessageTooLarge = errors.New("shmcast: message too large")
	ErrInvalidHeader   = errors.New("shmcast: invalid envelope header")
)
