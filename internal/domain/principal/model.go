package principal

import "time"

// Principal represents an authenticated agent with an identity and a
// balance. The credential secret itself is never stored; only the bcrypt
// verifier and a short non-secret lookup prefix are persisted.
type Principal struct {
	ID          string
	DisplayName string
	// CredentialHash is the bcrypt hash of the full plaintext token.
	CredentialHash string
	// CredentialPrefix is a fixed-length leading slice of the plaintext
	// token used to narrow the candidate set during validation. It carries
	// no secret value on its own.
	CredentialPrefix string
	// Balance is held in credit-cents (fixed point, scale 2). Never
	// negative.
	Balance    int64
	Online     bool
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
