package intent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/orbitpay/lnledger/internal/domain"
	"github.com/orbitpay/lnledger/internal/logging"
)

// Submit hands an initiated payment to the gateway. A transport failure
// leaves the payment in initiated with no ledger effect; the caller may
// retry Submit freely. Once the gateway accepts, the payment is in_flight
// and only a gateway outcome (live or swept) can finish it.
func (t *Tracker) Submit(ctx context.Context, paymentID uuid.UUID) error {
	ctx = logging.WithPayment(ctx, paymentID)
	log := logging.FromContext(ctx)

	p, err := t.payments.GetByID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("Submit: %w", err)
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("Submit: %w", domain.ErrPaymentTerminal)
	}
	if p.Status == domain.PaymentStatusInFlight {
		return fmt.Errorf("Submit: %w", domain.ErrAlreadySubmitted)
	}

	var bolt11 string
	if p.Bolt11 != nil {
		bolt11 = *p.Bolt11
	}
	res, err := t.gateway.Submit(ctx, SubmitRequest{
		PaymentID:   p.ID,
		Bolt11:      bolt11,
		Destination: p.Destination,
		Amount:      p.Amount,
		FeeLimit:    p.Fee,
	})
	if err != nil {
		log.Warn("gateway submit failed, payment stays initiated", "error", err)
		return fmt.Errorf("Submit: %w", err)
	}

	var ref *string
	if res.GatewayRef != "" {
		ref = &res.GatewayRef
	}
	if err := t.payments.MarkInFlight(ctx, p.ID, ref); err != nil {
		// A racing submit or the sweep got there first. The gateway call
		// landed, so the attempt is tracked either way.
		if errors.Is(err, domain.ErrAlreadySubmitted) {
			log.Info("payment already transitioned during submit")
			return nil
		}
		return fmt.Errorf("Submit: %w", err)
	}

	log.Info("payment submitted",
		"gateway_ref", res.GatewayRef,
		"amount", p.Amount,
	)
	return nil
}
