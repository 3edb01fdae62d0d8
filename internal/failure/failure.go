// Package failure classifies the errors the sync engine can produce.
//
// Validation errors are fatal and raised before any pair executes. Pair errors
// are recovered inside the batch engine and only ever show up in a result.
// Persistence errors are best-effort and logged by whoever hit them. Retry
// exhaustion is terminal for a job.
package failure

import (
	"errors"
	"fmt"
)

// ValidationError marks a fatal, pre-execution error such as "no sync pairs"
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validation wraps err as a ValidationError. A nil err stays nil.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &ValidationError{Err: err}
}

// IsValidation reports whether err is, or wraps, a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PairError is a failure of a single store/vendor pair (or of one item
// inside it when SKU is set)
type PairError struct {
	StoreID    string `json:"storeId"`
	VendorID   string `json:"vendorId"`
	StoreName  string `json:"storeName,omitempty"`
	VendorName string `json:"vendorName,omitempty"`
	SKU        string `json:"sku,omitempty"`
	Message    string `json:"error"`
}

func (e *PairError) Error() string {
	if e.SKU != "" {
		return fmt.Sprintf("store %s / vendor %s: sku %s: %s", e.StoreID, e.VendorID, e.SKU, e.Message)
	}
	return fmt.Sprintf("store %s / vendor %s: %s", e.StoreID, e.VendorID, e.Message)
}

// PersistenceError wraps a failed write of a job, schedule or progress record
type PersistenceError struct {
	Entity string
	ID     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Entity, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a PersistenceError. A nil err stays nil.
func Persistence(entity, id string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Entity: entity, ID: id, Err: err}
}

// IsPersistence reports whether err is, or wraps, a PersistenceError
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// RetryExhaustedError reports that a job failed on its final attempt
type RetryExhaustedError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// IsRetryExhausted reports whether err is, or wraps, a RetryExhaustedError
func IsRetryExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}
