package engine

import "time"

// Interest lifecycle statuses.
const (
	InterestOpen      = "open"
	InterestMatched   = "matched"
	InterestConfirmed = "confirmed"
	InterestDeclined  = "declined"
	InterestExpired   = "expired"
	InterestConverted = "converted"
)

// Group lifecycle statuses.
const (
	GroupForming             = "forming"
	GroupPendingConfirmation = "pending_confirmation"
	GroupConfirmed           = "confirmed"
	GroupFull                = "full"
	GroupCancelled           = "cancelled"
	GroupMerged              = "merged"
)

// Payment statuses on a member confirmation.
const (
	PaymentNone     = "none"
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentFailed   = "failed"
	PaymentRefunded = "refunded"
)

// Interest is a single traveler's expressed demand for a destination
// within a date window.
type Interest struct {
	ID            int64     `json:"id"`
	DestinationID int64     `json:"destination_id"`
	PartySize     int       `json:"party_size"`
	DateFrom      time.Time `json:"date_from"`
	DateTo        time.Time `json:"date_to"`
	BudgetMin     float64   `json:"budget_min"` // 0 = unset
	BudgetMax     float64   `json:"budget_max"` // 0 = unset
	UserName      string    `json:"user_name"`
	UserEmail     string    `json:"user_email"`
	UserPhone     string    `json:"user_phone"`
	Status        string    `json:"status"`
	GroupID       int64     `json:"group_id"` // 0 = not assigned
	CreatedAt     time.Time `json:"created_at"`
}

// HasBudget reports whether the interest carries a usable budget range.
func (i Interest) HasBudget() bool {
	return i.BudgetMax > 0 && i.BudgetMin <= i.BudgetMax
}

// DurationDays is the trip length in days, minimum 1.
func (i Interest) DurationDays() float64 {
	d := i.DateTo.Sub(i.DateFrom).Hours() / 24
	if d < 1 {
		return 1
	}
	return d
}

// Destination is reference data the engine only reads.
type Destination struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Country     string  `json:"country"`
	BasePrice   float64 `json:"base_price"`
	MaxDiscount float64 `json:"max_discount"`
	Active      bool    `json:"active"`
}

// Group is a forming-or-confirmed bundle of interests for one
// destination and date envelope, priced as a unit.
type Group struct {
	ID                      int64      `json:"id"`
	DestinationID           int64      `json:"destination_id"`
	Name                    string     `json:"name"`
	DateFrom                time.Time  `json:"date_from"`
	DateTo                  time.Time  `json:"date_to"`
	MinSize                 int        `json:"min_size"`
	MaxSize                 int        `json:"max_size"`
	CurrentSize             int        `json:"current_size"` // sum of member party sizes
	BasePrice               float64    `json:"base_price"`
	FinalPricePerPerson     float64    `json:"final_price_per_person"`
	PriceCalc               PriceTrail `json:"price_calc"`
	Status                  string     `json:"status"`
	ConfirmationDeadline    *time.Time `json:"confirmation_deadline,omitempty"`
	AutoConfirmEnabled      bool       `json:"auto_confirm_enabled"`
	MinimumConfirmationRate float64    `json:"minimum_confirmation_rate"`
	AdminNotes              string     `json:"admin_notes,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
}

// Terminal reports whether the group can take no further transitions.
// Full is non-terminal here: it still completes through the workflow.
func (g Group) Terminal() bool {
	switch g.Status {
	case GroupConfirmed, GroupCancelled, GroupMerged:
		return true
	}
	return false
}

// MemberConfirmation is the per-member per-group confirmation record.
// Confirmed stays nil until the token holder replies (or the reaper
// expires it).
type MemberConfirmation struct {
	ID              int64      `json:"id"`
	GroupID         int64      `json:"group_id"`
	InterestID      int64      `json:"interest_id"`
	Token           string     `json:"-"`
	Confirmed       *bool      `json:"confirmed"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	PaymentStatus   string     `json:"payment_status"`
	PaymentIntentID string     `json:"payment_intent_id,omitempty"`
	PaymentTxID     string     `json:"payment_tx_id,omitempty"`
	AmountDue       float64    `json:"amount_due"`
	DeclineReason   string     `json:"decline_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Expired reports whether the confirmation lapsed without a reply.
func (c MemberConfirmation) Expired(now time.Time) bool {
	return c.Confirmed == nil && now.After(c.ExpiresAt)
}
