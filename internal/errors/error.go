package errors

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEmptyAuth    = errors.New("missing authorization")
	ErrEmptySubject = errors.New("missing subject")
	ErrTokenInvalid = errors.New("invalid token")

	ErrProductNotFound = errors.New("product not found")

	// ErrTryAgain is the only message surfaced to callers when a
	// transaction aborts or an external system hiccups.
	ErrTryAgain = errors.New("Something went wrong. Please try again.")
)

// BusinessError carries a human-readable reason for a stock or size
// constraint the customer can correct. It never wraps internal causes.
type BusinessError struct {
	Reason string
}

func (e BusinessError) Error() string { return e.Reason }

func IsBusiness(err error) bool {
	var be BusinessError
	return errors.As(err, &be)
}

func OutOfStock() error {
	return BusinessError{Reason: "Unfortunately, this product is currently out of stock."}
}

func InsufficientStock(available int32) error {
	return BusinessError{
		Reason: fmt.Sprintf("Only %d item(s) are available in stock.", available),
	}
}

func InsufficientStockForSize(available int32, size string) error {
	return BusinessError{
		Reason: fmt.Sprintf(
			"Only %d item(s) are available for size %s.",
			available,
			strings.ToUpper(size),
		),
	}
}

func SizeRequired() error {
	return BusinessError{Reason: "Please select a product size."}
}

func InvalidSize() error {
	return BusinessError{Reason: "The size you selected is not available."}
}

func HandleError(err error, span trace.Span) {
	if err == nil {
		return
	}
	span.AddEvent(err.Error())
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}
