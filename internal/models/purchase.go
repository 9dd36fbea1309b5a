package models

import "time"

// Purchase is the immutable sale fact. At most one exists per LeadID.
type Purchase struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	LeadID      int64     `json:"lead_id"`
	PriceCents  int64     `json:"price_cents"`
	PurchasedAt time.Time `json:"purchased_at"`
}

type PurchaseResult struct {
	Purchase         Purchase `json:"purchase"`
	RemainingBalance int64    `json:"remaining_balance_cents"`
}

// FailedItem describes one cart entry that was not bought. ShortfallCents
// is only set for insufficient_funds.
type FailedItem struct {
	LeadID         int64  `json:"lead_id"`
	Reason         string `json:"reason"`
	Message        string `json:"message"`
	ShortfallCents int64  `json:"shortfall_cents,omitempty"`
}

type CheckoutResult struct {
	Succeeded    []Purchase   `json:"succeeded"`
	Failed       []FailedItem `json:"failed"`
	FinalBalance int64        `json:"final_balance_cents"`
}
