package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// RelatedKind tags the entity a transaction points back at.
type RelatedKind string

const (
	RelatedKindPayment RelatedKind = "payment"
	RelatedKindInvoice RelatedKind = "invoice"
	RelatedKindAddress RelatedKind = "address"
)

// RelatedRef is a tagged reference to the record that caused a
// transaction. IDs are stored as strings because addresses are not
// UUID-shaped; the typed constructors keep callers honest.
type RelatedRef struct {
	Kind RelatedKind
	ID   string
}

func RelatedPayment(id uuid.UUID) *RelatedRef {
	return &RelatedRef{Kind: RelatedKindPayment, ID: id.String()}
}

func RelatedInvoice(id uuid.UUID) *RelatedRef {
	return &RelatedRef{Kind: RelatedKindInvoice, ID: id.String()}
}

func RelatedAddress(addr string) *RelatedRef {
	return &RelatedRef{Kind: RelatedKindAddress, ID: addr}
}

// PaymentID returns the referenced payment ID, or an error if the
// reference is not a payment.
func (r *RelatedRef) PaymentID() (uuid.UUID, error) {
	if r == nil || r.Kind != RelatedKindPayment {
		return uuid.Nil, fmt.Errorf("PaymentID: not a payment reference")
	}
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("PaymentID: %w", err)
	}
	return id, nil
}
