package escrow

import (
	"fmt"
	"math/big"
)

// EventName is the canonical name of a contract event.
type EventName string

const (
	EventTradeCreated      EventName = "TradeCreated"
	EventPurchaseCreated   EventName = "PurchaseCreated"
	EventDeliveryConfirmed EventName = "DeliveryConfirmed"
	EventDisputeRaised     EventName = "DisputeRaised"
	EventDisputeResolved   EventName = "DisputeResolved"
)

// KnownEvents lists the events every adapter decodes.
var KnownEvents = []EventName{
	EventTradeCreated,
	EventPurchaseCreated,
	EventDeliveryConfirmed,
	EventDisputeRaised,
	EventDisputeResolved,
}

// Event is a decoded contract event.
type Event interface {
	EventName() EventName
	// RecordID is the trade id for TradeCreated and the purchase id for
	// every other event.
	RecordID() uint64
}

type TradeCreated struct {
	TradeID         uint64
	Seller          string
	UnitProductCost *big.Int
	TotalQuantity   uint64
}

func (TradeCreated) EventName() EventName { return EventTradeCreated }
func (e TradeCreated) RecordID() uint64 { return e.TradeID }

type PurchaseCreated struct {
	PurchaseID  uint64
	TradeID     uint64
	Buyer       string
	Quantity    uint64
	TotalAmount *big.Int
}

func (PurchaseCreated) EventName() EventName { return EventPurchaseCreated }
func (e PurchaseCreated) RecordID() uint64 { return e.PurchaseID }

type DeliveryConfirmed struct {
	PurchaseID uint64
	TradeID    uint64
	Buyer      string
}

func (DeliveryConfirmed) EventName() EventName { return EventDeliveryConfirmed }
func (e DeliveryConfirmed) RecordID() uint64 { return e.PurchaseID }

type DisputeRaised struct {
	PurchaseID uint64
	Initiator  string
}

func (DisputeRaised) EventName() EventName { return EventDisputeRaised }
func (e DisputeRaised) RecordID() uint64 { return e.PurchaseID }

type DisputeResolved struct {
	PurchaseID uint64
	Winner     string
}

func (DisputeResolved) EventName() EventName { return EventDisputeResolved }
func (e DisputeResolved) RecordID() uint64 { return e.PurchaseID }

// DecodedEvent is one entry in a transaction's event list. Err is set when
// the entry matched a known event name but could not be decoded.
type DecodedEvent struct {
	Name  EventName
	Index int
	Event Event
	Err   error
}

// Malformed builds an ErrMalformedEvent for the named event.
func Malformed(name EventName, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedEvent, name, fmt.Sprintf(format, args...))
}

// Uint64Field converts an on-chain integer field into a uint64 id, rejecting
// missing or oversized values.
func Uint64Field(name EventName, field string, v *big.Int) (uint64, error) {
	if v == nil {
		return 0, Malformed(name, "missing %s", field)
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, Malformed(name, "%s out of range: %s", field, v.String())
	}
	return v.Uint64(), nil
}
