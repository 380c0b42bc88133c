package deposit

import "time"

// State tracks a deposit attempt through its verification gates. A rejection
// at any gate is terminal; only Credited mutates the balance.
type State string

const (
	StateReceived         State = "received"
	StateFormatChecked    State = "format_checked"
	StateDuplicateChecked State = "duplicate_checked"
	StateChainVerified    State = "chain_verified"
	StateCredited         State = "credited"
)

// Record is one accepted on-chain deposit. TxHash is globally unique and is
// the idempotency key: a hash once recorded can never be credited again.
type Record struct {
	ID          string
	PrincipalID string
	TxHash      string
	// Amount is the credited value in credit-cents, parsed from the
	// transfer event log, never from the request body.
	Amount      int64
	FromAddress string
	BlockNumber uint64
	CreatedAt   time.Time
}
