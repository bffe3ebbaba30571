package model

// Event kinds emitted by pools.
const (
	EventDeposit  = "deposit"
	EventWithdraw = "withdraw"
	EventSwap     = "swap"
	EventSync     = "sync"
)

// Event is an emitted pool state change. Amounts are decimal strings so they
// survive JSON round-trips without precision loss.
type Event struct {
	Type          string `json:"type"`
	Pool          string `json:"pool"`
	Sender        string `json:"sender,omitempty"`
	Recipient     string `json:"recipient,omitempty"`
	AmountLowIn   string `json:"amount_low_in,omitempty"`
	AmountHighIn  string `json:"amount_high_in,omitempty"`
	AmountLowOut  string `json:"amount_low_out,omitempty"`
	AmountHighOut string `json:"amount_high_out,omitempty"`
	Shares        string `json:"shares,omitempty"`
	ReserveLow    string `json:"reserve_low"`
	ReserveHigh   string `json:"reserve_high"`
	Timestamp     uint64 `json:"timestamp"`
}

// Observation is a stored oracle sample of a pool's cumulative prices.
type Observation struct {
	Pool                string `json:"pool"`
	Timestamp           uint64 `json:"timestamp"`
	PriceLowCumulative  string `json:"price_low_cumulative"`
	PriceHighCumulative string `json:"price_high_cumulative"`
}
