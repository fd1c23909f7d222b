package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for malformed caller input. It is always
	// raised before any transaction is built.
	ErrInvalidArgument = errors.New("escrow: invalid argument")
	// ErrUnknownChain is returned when the chain discriminator has no adapter.
	ErrUnknownChain = fmt.Errorf("%w: unknown chain", ErrInvalidArgument)
	// ErrChainUnreachable covers transport failures and timeouts before a
	// transaction was broadcast.
	ErrChainUnreachable = errors.New("escrow: chain unreachable")
	// ErrExecutionReverted is returned when the contract rejected a call.
	ErrExecutionReverted = errors.New("escrow: execution reverted")
	// ErrApprovalNotEffective is returned when a confirmed approval did not
	// raise the observed allowance to the required amount.
	ErrApprovalNotEffective = errors.New("escrow: approval not effective")
	// ErrEventNotFound is returned when a confirmed transaction carries no
	// event with the requested name within the lag budget.
	ErrEventNotFound = errors.New("escrow: event not found")
	// ErrMalformedEvent is returned when an event matched by name is missing
	// required fields.
	ErrMalformedEvent = errors.New("escrow: malformed event")
	// ErrDerivationCollision is returned when a derived record address is
	// already occupied.
	ErrDerivationCollision = errors.New("escrow: derived address already in use")
	// ErrAbandoned is returned when the caller stopped waiting after a
	// transaction was broadcast. The transaction may still land.
	ErrAbandoned = errors.New("escrow: abandoned")
	// ErrNotFound is returned by reads when the record does not exist.
	ErrNotFound = errors.New("escrow: record not found")
)

// RevertError carries the contract's rejection reason verbatim.
type RevertError struct {
	Handle string
	Reason string
}

func (e *RevertError) Error() string {
	if e == nil {
		return ErrExecutionReverted.Error()
	}
	if e.Reason == "" {
		return ErrExecutionReverted.Error()
	}
	return fmt.Sprintf("%s: %s", ErrExecutionReverted.Error(), e.Reason)
}

// Unwrap exposes ErrExecutionReverted to errors.Is.
func (e *RevertError) Unwrap() error { return ErrExecutionReverted }

// Invalid builds an ErrInvalidArgument with context.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Unreachable wraps a transport error as ErrChainUnreachable. Errors that
// already belong to the taxonomy pass through unchanged.
func Unreachable(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrChainUnreachable, op, err)
}

// Classified reports whether err already carries one of the taxonomy kinds.
func Classified(err error) bool {
	for _, kind := range []error{
		ErrInvalidArgument,
		ErrChainUnreachable,
		ErrExecutionReverted,
		ErrApprovalNotEffective,
		ErrEventNotFound,
		ErrMalformedEvent,
		ErrDerivationCollision,
		ErrAbandoned,
		ErrNotFound,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Kind returns a stable label for the taxonomy kind of err, suitable for
// metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrChainUnreachable):
		return "chain_unreachable"
	case errors.Is(err, ErrExecutionReverted):
		return "execution_reverted"
	case errors.Is(err, ErrApprovalNotEffective):
		return "approval_not_effective"
	case errors.Is(err, ErrEventNotFound):
		return "event_not_found"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrDerivationCollision):
		return "derivation_collision"
	case errors.Is(err, ErrAbandoned):
		return "abandoned"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}
