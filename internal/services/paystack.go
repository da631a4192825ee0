package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rpip/paystack-go"
	"github.com/shopspring/decimal"

	"QuorumVault/internal/models"
)

// PaymentVerifier confirms an off-chain contribution and returns the settled
// amount in major currency units.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, reference string) (decimal.Decimal, error)
}

// paystackAPI is the raw call surface of the Paystack client. The typed
// Transaction.Verify result carries the amount as a float32, which cannot
// hold every minor-unit amount, so the verify response is decoded here.
type paystackAPI interface {
	Call(method, path string, body, v interface{}) error
}

type verifiedTransaction struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// PaystackVerifier checks fiat contributions against Paystack's transaction
// API. Paystack reports amounts in the currency's minor unit.
type PaystackVerifier struct {
	api paystackAPI
}

func NewPaystackVerifier(secretKey string) *PaystackVerifier {
	return &PaystackVerifier{api: paystack.NewClient(secretKey, &http.Client{Timeout: 15 * time.Second})}
}

func (v *PaystackVerifier) VerifyPayment(ctx context.Context, reference string) (decimal.Decimal, error) {
	if reference == "" {
		return decimal.Zero, models.Errorf(models.KindInvalidInput, "payment reference is required")
	}
	if err := ctx.Err(); err != nil {
		return decimal.Zero, models.Unavailablef(err, "verify payment")
	}
	tx := &verifiedTransaction{}
	if err := v.api.Call("GET", "/transaction/verify/"+url.PathEscape(reference), nil, tx); err != nil {
		return decimal.Zero, models.Unavailablef(err, "verify payment %s", reference)
	}
	if tx.Status != "success" {
		return decimal.Zero, models.Errorf(models.KindInvalidInput, "payment %s is %s", reference, tx.Status)
	}
	amount := decimal.New(tx.Amount, -2)
	if !amount.IsPositive() {
		return decimal.Zero, models.Errorf(models.KindInvalidInput, "payment %s has no amount", reference)
	}
	return amount, nil
}

// PaystackTxHash is the idempotency key recorded for a fiat contribution.
func PaystackTxHash(reference string) string {
	return fmt.Sprintf("paystack:%s", reference)
}
