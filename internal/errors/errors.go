// Package errors provides the error taxonomy for outbound brokerage calls.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	// ErrBudgetDenied means the call was never attempted because the rate
	// budget could not admit it. Not a failure: call sites back off and wait.
	ErrBudgetDenied = errors.New("rate budget denied")

	// ErrTripped means the emergency stop has tripped and all outbound
	// dispatch is suspended until a manual clear.
	ErrTripped = errors.New("emergency stop tripped")

	ErrNotConnected     = errors.New("stream not connected")
	ErrTokenUnavailable = errors.New("access token unavailable")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrStoreClosed      = errors.New("store is closed")
)

// TransientCallError represents a network or timeout failure on a call that
// was actually attempted. Counts toward the consecutive-error emergency
// condition and is eligible for bounded retry.
type TransientCallError struct {
	Op  string
	Err error
}

func (e *TransientCallError) Error() string {
	return fmt.Sprintf("transient call error [%s]: %v", e.Op, e.Err)
}

func (e *TransientCallError) Unwrap() error {
	return e.Err
}

// NewTransientCallError creates a new TransientCallError.
func NewTransientCallError(op string, err error) *TransientCallError {
	return &TransientCallError{Op: op, Err: err}
}

// AccountQueryError represents a failure to verify the account's state of
// record. It escalates to the emergency stop immediately and is never
// retried locally.
type AccountQueryError struct {
	Op  string
	Err error
}

func (e *AccountQueryError) Error() string {
	return fmt.Sprintf("account query error [%s]: %v", e.Op, e.Err)
}

func (e *AccountQueryError) Unwrap() error {
	return e.Err
}

// NewAccountQueryError creates a new AccountQueryError.
func NewAccountQueryError(op string, err error) *AccountQueryError {
	return &AccountQueryError{Op: op, Err: err}
}

// ConnectionFailure represents a streaming-connection failure. Handled by
// the stream supervisor's bounded reconnect policy.
type ConnectionFailure struct {
	Stage string // "connect", "read", "silence"
	Err   error
}

func (e *ConnectionFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection failure [%s]: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("connection failure [%s]", e.Stage)
}

func (e *ConnectionFailure) Unwrap() error {
	return e.Err
}

// NewConnectionFailure creates a new ConnectionFailure.
func NewConnectionFailure(stage string, err error) *ConnectionFailure {
	return &ConnectionFailure{Stage: stage, Err: err}
}

// SellSubmissionFailure represents exhaustion of the bounded retry budget
// for a sell order. Terminal for the position and always user-visible.
type SellSubmissionFailure struct {
	Symbol   string
	Attempts int
	Err      error
}

func (e *SellSubmissionFailure) Error() string {
	return fmt.Sprintf("sell submission failed [%s] after %d attempts: %v", e.Symbol, e.Attempts, e.Err)
}

func (e *SellSubmissionFailure) Unwrap() error {
	return e.Err
}

// NewSellSubmissionFailure creates a new SellSubmissionFailure.
func NewSellSubmissionFailure(symbol string, attempts int, err error) *SellSubmissionFailure {
	return &SellSubmissionFailure{Symbol: symbol, Attempts: attempts, Err: err}
}

// BrokerError represents an application-level rejection from the KIS API.
type BrokerError struct {
	Code    string // msg_cd, e.g. EGW00101
	Message string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

// RateLimited reports whether the broker rejected the call for exceeding
// its own server-side rate limit.
func (e *BrokerError) RateLimited() bool {
	return e.Code == "EGW00101" || e.Code == "EGW00102"
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string) *BrokerError {
	return &BrokerError{Code: code, Message: message}
}

// IsBudgetDenied reports whether err is a budget denial. Budget denials are
// excluded from every failure counter.
func IsBudgetDenied(err error) bool {
	return errors.Is(err, ErrBudgetDenied)
}

// IsTransient reports whether err is eligible for bounded retry.
func IsTransient(err error) bool {
	var t *TransientCallError
	if errors.As(err, &t) {
		return true
	}
	var b *BrokerError
	return errors.As(err, &b) && b.RateLimited()
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
