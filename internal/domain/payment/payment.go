// Package payment orchestrates payments against the external gateway:
// initiation, callback verification and the audit ledger that makes
// verification idempotent.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// EventType classifies ledger rows.
type EventType string

const (
	EventInitiate EventType = "initiate"
	EventVerify   EventType = "verify"
	EventCallback EventType = "callback"
)

// Status is the outcome recorded in a ledger row.
type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusRejected  Status = "rejected"
)

// Gateway result codes.
const (
	ResultSuccess         = 100
	ResultAlreadyVerified = 201
)

// SuccessFlag is the callback "success" value reported for completed payments.
const SuccessFlag = "1"

// GatewayName is recorded on orders paid through the primary gateway.
const GatewayName = "primary"

// Verification failure reasons.
const (
	ReasonAmountMismatch  = "amount_mismatch"
	ReasonOrderIDMismatch = "order_id_mismatch"
	ReasonGatewayFailure  = "gateway_failure"
)

var (
	// ErrForbidden is matched by both ErrSignatureInvalid and ErrIPNotAllowed.
	ErrForbidden = errors.New("forbidden")
	// ErrSignatureInvalid is returned when the callback signature does not match.
	ErrSignatureInvalid = &forbiddenError{msg: "invalid signature"}
	// ErrIPNotAllowed is returned when the caller is not on the allowlist.
	ErrIPNotAllowed = &forbiddenError{msg: "ip not allowed"}

	// ErrOrderNotFound is returned when no order matches the id or track id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrAlreadyPaid is returned when initiating payment for a paid order.
	ErrAlreadyPaid = errors.New("order already paid")
	// ErrPaymentFailed is returned when the gateway reports the payment as failed.
	ErrPaymentFailed = errors.New("gateway indicated failure")

	// ErrNotFound is returned by ledger lookups with no match.
	ErrNotFound = errors.New("payment transaction not found")
	// ErrDuplicateVerification is returned by the ledger when a processed
	// verification already exists for the track id.
	ErrDuplicateVerification = errors.New("duplicate processed verification")
)

type forbiddenError struct {
	msg string
}

func (e *forbiddenError) Error() string { return e.msg }

func (e *forbiddenError) Is(target error) bool { return target == ErrForbidden }

// GatewayNetworkError wraps a transport failure talking to the gateway.
type GatewayNetworkError struct {
	Op  string
	Err error
}

func (e *GatewayNetworkError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayNetworkError) Unwrap() error { return e.Err }

// GatewayError is a well-formed gateway response with a non-success result.
type GatewayError struct {
	Result  int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway rejected request: result %d: %s", e.Result, e.Message)
}

// VerificationFailedError indicates that the gateway did not confirm the
// payment for the expected order and amount.
type VerificationFailedError struct {
	Reason string
	Result int
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("payment verification failed: %s (result %d)", e.Reason, e.Result)
}

// Transaction is a payment ledger row. Rows are append-only.
type Transaction struct {
	ID              int64
	OrderID         string
	TrackID         string
	EventType       EventType
	Status          Status
	Amount          int64
	ResultCode      *int
	RefID           string
	IPAddress       string
	Signature       string
	Message         string
	RawPayload      string
	GatewayResponse string
	CreatedAt       time.Time
}

// Repository is the payment ledger.
type Repository interface {
	Append(ctx context.Context, t *Transaction) error
	// InsertProcessedVerification appends a verify/processed row. It returns
	// ErrDuplicateVerification when one already exists for the track id.
	InsertProcessedVerification(ctx context.Context, t *Transaction) error
	FindProcessedVerification(ctx context.Context, trackID string) (*Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]Transaction, error)
}

// Request is a payment request sent to the gateway.
type Request struct {
	Amount      int64
	OrderID     string
	CallbackURL string
}

// RequestResult is the gateway response to a payment request.
type RequestResult struct {
	Result  int
	TrackID string
	Message string
	Raw     string
}

// VerifyResult is the gateway response to a verification.
type VerifyResult struct {
	Result    int
	Amount    int64
	OrderID   string
	RefNumber string
	Message   string
	Raw       string
}

// Gateway is the external payment gateway.
type Gateway interface {
	Request(ctx context.Context, req Request) (*RequestResult, error)
	Verify(ctx context.Context, trackID string) (*VerifyResult, error)
	RedirectURL(trackID string) string
}

// MinorUnits converts an amount to the gateway's integer representation.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
