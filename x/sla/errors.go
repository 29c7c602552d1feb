package sla

import (
	"errors"
	"fmt"
	"strings"

	"github.com/compose-network/sla-escrow/x/ledger"
)

// ErrorKind classifies registry failures.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindNotFound
	ErrorKindInvalidState
	ErrorKindUnauthorized
	ErrorKindNoBidFound
	ErrorKindBidExceedsEscrow
	ErrorKindDuplicateVerifier
	ErrorKindAlreadyVoted
	ErrorKindInvalidDecision
	ErrorKindInvalidAmount
	ErrorKindInsufficientFunds
	ErrorKindInsufficientAllowance
	ErrorKindStorage
	ErrorKindSettlementFault
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNotFound:
		return "not_found"
	case ErrorKindInvalidState:
		return "invalid_state"
	case ErrorKindUnauthorized:
		return "unauthorized"
	case ErrorKindNoBidFound:
		return "no_bid_found"
	case ErrorKindBidExceedsEscrow:
		return "bid_exceeds_escrow"
	case ErrorKindDuplicateVerifier:
		return "duplicate_verifier"
	case ErrorKindAlreadyVoted:
		return "already_voted"
	case ErrorKindInvalidDecision:
		return "invalid_decision"
	case ErrorKindInvalidAmount:
		return "invalid_amount"
	case ErrorKindInsufficientFunds:
		return "insufficient_funds"
	case ErrorKindInsufficientAllowance:
		return "insufficient_allowance"
	case ErrorKindStorage:
		return "storage"
	case ErrorKindSettlementFault:
		return "settlement_fault"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. They are matched by kind; never call the With* builders on them.
var (
	ErrNotFound              = &Error{Kind: ErrorKindNotFound, Message: "sla not found"}
	ErrInvalidState          = &Error{Kind: ErrorKindInvalidState, Message: "invalid state"}
	ErrUnauthorized          = &Error{Kind: ErrorKindUnauthorized, Message: "unauthorized"}
	ErrNoBidFound            = &Error{Kind: ErrorKindNoBidFound, Message: "no bid found"}
	ErrBidExceedsEscrow      = &Error{Kind: ErrorKindBidExceedsEscrow, Message: "bid exceeds escrow"}
	ErrDuplicateVerifier     = &Error{Kind: ErrorKindDuplicateVerifier, Message: "duplicate verifier"}
	ErrAlreadyVoted          = &Error{Kind: ErrorKindAlreadyVoted, Message: "already voted"}
	ErrInvalidDecision       = &Error{Kind: ErrorKindInvalidDecision, Message: "invalid decision"}
	ErrInvalidAmount         = &Error{Kind: ErrorKindInvalidAmount, Message: "invalid amount"}
	ErrInsufficientFunds     = &Error{Kind: ErrorKindInsufficientFunds, Message: "insufficient funds"}
	ErrInsufficientAllowance = &Error{Kind: ErrorKindInsufficientAllowance, Message: "insufficient allowance"}
	ErrStorage               = &Error{Kind: ErrorKindStorage, Message: "storage failure"}
	ErrSettlementFault       = &Error{Kind: ErrorKindSettlementFault, Message: "settlement fault"}
)

// Error is a structured registry error. Every kind except SettlementFault is raised before
// any state mutation, so the caller may correct the input and retry.
type Error struct {
	Kind    ErrorKind
	Op      string
	SLAID   uint64
	HasSLA  bool
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("sla")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.HasSLA {
		fmt.Fprintf(&b, " #%d", e.SLAID)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind != ErrorKindUnknown && t.Kind == e.Kind
}

// NewError creates a new error of the given kind
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// WithCause adds a cause error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSLA tags the error with the SLA identifier
func (e *Error) WithSLA(id uint64) *Error {
	e.SLAID = id
	e.HasSLA = true
	return e
}

// WithContext adds context information
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the kind of a registry error, or ErrorKindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindUnknown
}

// IsFatal reports whether err signals a broken custody invariant rather than a rejected call.
func IsFatal(err error) bool {
	return KindOf(err) == ErrorKindSettlementFault
}

// fromLedger classifies a ledger rejection of a pull into custody.
func fromLedger(op string, err error) *Error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		return NewError(ErrorKindInsufficientAllowance, op, "transfer not authorised").WithCause(err)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return NewError(ErrorKindInsufficientFunds, op, "balance too low").WithCause(err)
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return NewError(ErrorKindInvalidAmount, op, "amount overflows custody").WithCause(err)
	default:
		return NewError(ErrorKindStorage, op, "ledger transfer failed").WithCause(err)
	}
}
