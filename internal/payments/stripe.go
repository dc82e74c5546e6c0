package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/payout"
)

// StripeClient is a thin wrapper around stripe-go for the withdrawal payout
// flow. It lives outside the ledger on purpose: the ledger appends a pending
// withdrawal transaction, this collaborator moves the money, and the
// confirmation endpoint flips the transaction to completed or failed.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeClient() *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeClient{}
}

// CreatePayout initiates an external transfer for a pending withdrawal and
// returns the payout ID to correlate the confirmation callback.
func (s *StripeClient) CreatePayout(ctx context.Context, amount int64, currency, destination string) (string, error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if destination != "" {
		params.Destination = stripe.String(destination)
	}
	po, err := payout.New(params)
	if err != nil {
		return "", err
	}
	return po.ID, nil
}

// CancelPayout releases an initiated payout that has not been paid yet.
func (s *StripeClient) CancelPayout(ctx context.Context, payoutID string) error {
	_, err := payout.Cancel(payoutID, nil)
	return err
}
