package ratelimit

import "time"

// Action is a rate-limited action class.
type Action string

const (
	ActionRegister Action = "register"
	ActionDeposit  Action = "deposit"
	ActionOrder    Action = "order"
	ActionMessage  Action = "message"
	ActionSocial   Action = "social"
)

// Limit is the per-class bucket shape: capacity tokens refilled at
// Refill tokens per Window.
type Limit struct {
	Capacity int
	Refill   int
	Window   time.Duration
}

// RefillPerSecond returns the refill rate in tokens per second.
func (l Limit) RefillPerSecond() float64 {
	if l.Window <= 0 {
		return 0
	}
	return float64(l.Refill) / l.Window.Seconds()
}

// DefaultLimits enumerates the bucket configuration per action class.
func DefaultLimits() map[Action]Limit {
	return map[Action]Limit{
		ActionRegister: {Capacity: 5, Refill: 5, Window: time.Hour},
		ActionDeposit:  {Capacity: 5, Refill: 5, Window: time.Hour},
		ActionOrder:    {Capacity: 30, Refill: 30, Window: time.Minute},
		ActionMessage:  {Capacity: 20, Refill: 20, Window: time.Minute},
		ActionSocial:   {Capacity: 10, Refill: 10, Window: time.Minute},
	}
}

// Bucket is the persisted token-bucket state for one (subject, action)
// pair. The full state is these three semantic fields plus a version for
// conditional writes; refill is computed lazily from LastRefill, never by a
// background task. Invariant: 0 <= Tokens <= Capacity.
type Bucket struct {
	Subject    string
	Action     Action
	Tokens     float64
	Capacity   int
	LastRefill time.Time
	// Version increments on every write and guards the read-modify-write
	// cycle against concurrent consumers of the same bucket.
	Version int64
}
