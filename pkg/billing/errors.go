package billing

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrProviderNotConfigured is returned when a processor is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrSubscriptionNotFound is returned when an organization has no subscription record
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPlanNotFound is returned when a plan id or slug is unknown
	ErrPlanNotFound = errors.New("plan not found")

	// ErrInvoiceNotFound is returned when an invoice cannot be found
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrPaymentMethodNotFound is returned when a payment method cannot be found
	ErrPaymentMethodNotFound = errors.New("payment method not found")

	// ErrCircuitOpen is returned when the processor circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Kind classifies an error for the outer boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindProcessor
	KindSignature
	KindUnauthorized
)

// Error codes carried in API error envelopes.
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodeNoPrice                = "NO_PRICE"
	CodeNoExternalSubscription = "NO_EXTERNAL_SUBSCRIPTION"
	CodeNotFound               = "NOT_FOUND"
	CodeConflict               = "CONFLICT"
	CodeProcessor              = "PROCESSOR_ERROR"
	CodeInvalidSignature       = "INVALID_SIGNATURE"
	CodeInternal               = "INTERNAL_ERROR"
	CodeUnauthorized           = "UNAUTHORIZED"
)

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindSignature:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func ValidationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundError(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...), Err: err}
}

func ConflictError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// ProcessorError wraps a failed call to the payment processor.
type ProcessorError struct {
	Op  string
	Err error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s failed: %v", e.Op, e.Err)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}

// IsProcessorError reports whether err came from the payment processor.
func IsProcessorError(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe)
}

// Classify converts any error into an *Error suitable for the boundary.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, ErrInvalidWebhookSignature):
		return &Error{Kind: KindSignature, Code: CodeInvalidSignature, Message: "invalid webhook signature", Err: err}
	case errors.Is(err, ErrInvalidWebhookPayload):
		return &Error{Kind: KindValidation, Code: CodeValidation, Message: "invalid webhook payload", Err: err}
	case errors.Is(err, ErrSubscriptionNotFound):
		return NotFoundError(err, "subscription not found")
	case errors.Is(err, ErrPlanNotFound):
		return NotFoundError(err, "plan not found")
	case errors.Is(err, ErrInvoiceNotFound):
		return NotFoundError(err, "invoice not found")
	case errors.Is(err, ErrPaymentMethodNotFound):
		return NotFoundError(err, "payment method not found")
	case IsProcessorError(err):
		return &Error{Kind: KindProcessor, Code: CodeProcessor, Message: "payment processor request failed", Err: err}
	}
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}
