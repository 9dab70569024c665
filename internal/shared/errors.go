package shared

import "errors"

// Error taxonomy shared across the authorization core. Domain packages wrap
// these sentinels with context; handlers map them onto HTTP statuses.
var (
	// ErrNotFound indicates a missing role, membership or permission.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates a rejected input: unknown reference,
	// cross-organization reference, or a cyclic inheritance attempt.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a state conflict: duplicate role name or a
	// mutation that would remove the last admin.
	ErrConflict = errors.New("conflict")
	// ErrCooldown indicates an invite resend attempted before the cooldown
	// window elapsed.
	ErrCooldown = errors.New("resend cooldown active")
	// ErrConcurrency indicates a seeding or role-mutation race detected via
	// a unique-constraint violation. Callers should re-read and retry.
	ErrConcurrency = errors.New("concurrent mutation detected")
)
