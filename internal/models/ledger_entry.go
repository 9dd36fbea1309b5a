package models

import (
	"strconv"
	"time"
)

type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryCredit EntryKind = "credit"
)

// LedgerEntry is the audit row written next to every balance mutation.
type LedgerEntry struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Kind          EntryKind `json:"kind"`
	AmountCents   int64     `json:"amount_cents"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Reference     string    `json:"reference"`
	CreatedAt     time.Time `json:"created_at"`
}

// Credit references are unique in the ledger, so a credit carrying
// PaymentReference can be applied at most once per payment.
func PaymentReference(paymentID string) string {
	return "payment:" + paymentID
}

func PurchaseReference(leadID int64) string {
	return "purchase:lead:" + strconv.FormatInt(leadID, 10)
}

func RefundReference(attemptID string) string {
	return "refund:attempt:" + attemptID
}
