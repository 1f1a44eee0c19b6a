package enums

import "fmt"

// TransactionKind classifies why a ledger transaction exists.
type TransactionKind string

const (
	TransactionKindPurchase   TransactionKind = "purchase"
	TransactionKindGeneration TransactionKind = "generation"
	TransactionKindTraining   TransactionKind = "training"
	TransactionKindRefund     TransactionKind = "refund"
	TransactionKindAdminGrant TransactionKind = "admin_grant"
)

var validTransactionKinds = []TransactionKind{
	TransactionKindPurchase,
	TransactionKindGeneration,
	TransactionKindTraining,
	TransactionKindRefund,
	TransactionKindAdminGrant,
}

// String implements fmt.Stringer.
func (k TransactionKind) String() string {
	return string(k)
}

// IsValid reports whether the value is known.
func (k TransactionKind) IsValid() bool {
	for _, candidate := range validTransactionKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseTransactionKind converts raw input into a TransactionKind.
func ParseTransactionKind(value string) (TransactionKind, error) {
	for _, candidate := range validTransactionKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction kind %q", value)
}
