package pda

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	"escrowcore/escrow"
)

type discriminator [8]byte

func hashDiscriminator(namespace, name string) discriminator {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d discriminator
	copy(d[:], sum[:8])
	return d
}

func instructionDiscriminator(name string) discriminator { return hashDiscriminator("global", name) }

func accountDiscriminator(name string) discriminator { return hashDiscriminator("account", name) }

func eventDiscriminator(name string) discriminator { return hashDiscriminator("event", name) }

// encodeInstruction prefixes the borsh encoding of args with the
// instruction discriminator. A nil args encodes no arguments.
func encodeInstruction(name string, args any) ([]byte, error) {
	disc := instructionDiscriminator(name)
	buf := bytes.NewBuffer(disc[:])
	if args != nil {
		if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
			return nil, fmt.Errorf("pda: encode %s args: %w", name, err)
		}
	}
	return buf.Bytes(), nil
}

// decodeAccount checks the account discriminator and decodes the borsh body
// into out.
func decodeAccount(name string, data []byte, out any) error {
	disc := accountDiscriminator(name)
	if len(data) < len(disc) || !bytes.Equal(data[:len(disc)], disc[:]) {
		return fmt.Errorf("pda: account is not a %s", name)
	}
	if err := bin.NewBorshDecoder(data[len(disc):]).Decode(out); err != nil {
		return fmt.Errorf("pda: decode %s: %w", name, err)
	}
	return nil
}

type createTradeArgs struct {
	TradeID            uint64
	ProductCost        uint64
	LogisticsProviders []solana.PublicKey
	LogisticsCosts     []uint64
	TotalQuantity      uint64
}

type buyTradeArgs struct {
	TradeID           uint64
	PurchaseID        uint64
	Quantity          uint64
	LogisticsProvider solana.PublicKey
}

type purchaseArgs struct {
	PurchaseID uint64
}

type resolveDisputeArgs struct {
	Winner solana.PublicKey
}

// tradeAccount is the on-chain layout of a trade record.
type tradeAccount struct {
	TradeID            uint64
	Seller             solana.PublicKey
	TokenMint          solana.PublicKey
	ProductCost        uint64
	LogisticsProviders []solana.PublicKey
	LogisticsCosts     []uint64
	TotalQuantity      uint64
	RemainingQuantity  uint64
	IsActive           bool
	Bump               uint8
}

// purchaseAccount is the on-chain layout of a purchase record.
type purchaseAccount struct {
	PurchaseID              uint64
	TradeID                 uint64
	Buyer                   solana.PublicKey
	Quantity                uint64
	TotalAmount             uint64
	DeliveredAndConfirmed   bool
	IsDisputed              bool
	IsCompleted             bool
	ChosenLogisticsProvider solana.PublicKey
	LogisticsCost           uint64
	Bump                    uint8
}

type tradeCreatedEvent struct {
	TradeID       uint64
	Seller        solana.PublicKey
	ProductCost   uint64
	TotalQuantity uint64
}

type purchaseCreatedEvent struct {
	PurchaseID  uint64
	TradeID     uint64
	Buyer       solana.PublicKey
	Quantity    uint64
	TotalAmount uint64
}

type deliveryConfirmedEvent struct {
	PurchaseID uint64
	TradeID    uint64
	Buyer      solana.PublicKey
}

type disputeRaisedEvent struct {
	PurchaseID uint64
	Initiator  solana.PublicKey
}

type disputeResolvedEvent struct {
	PurchaseID uint64
	Winner     solana.PublicKey
}

const logData = "Program data: "

// eventParser decodes events a program emitted through "Program data:" log
// lines. Only lines logged while the program is at the top of the
// invocation stack are considered, so CPI callees cannot spoof events.
type eventParser struct {
	program solana.PublicKey
	byDisc  map[discriminator]escrow.EventName
}

func newEventParser(program solana.PublicKey, renames map[escrow.EventName]string) *eventParser {
	p := &eventParser{program: program, byDisc: make(map[discriminator]escrow.EventName)}
	for _, name := range escrow.KnownEvents {
		programName := string(name)
		if renamed, ok := renames[name]; ok && renamed != "" {
			programName = renamed
		}
		p.byDisc[eventDiscriminator(programName)] = name
	}
	return p
}

// Parse returns the decoded events in emission order.
func (p *eventParser) Parse(logs []string) []escrow.DecodedEvent {
	programID := p.program.String()
	var stack []string
	var out []escrow.DecodedEvent
	for _, line := range logs {
		if strings.HasPrefix(line, logData) {
			if len(stack) == 0 || stack[len(stack)-1] != programID {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(line, logData)))
			if err != nil || len(raw) < 8 {
				continue
			}
			var disc discriminator
			copy(disc[:], raw[:8])
			name, ok := p.byDisc[disc]
			if !ok {
				continue
			}
			ev, err := decodeEvent(name, raw[8:])
			out = append(out, escrow.DecodedEvent{Name: name, Index: len(out), Event: ev, Err: err})
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "Program" {
			continue
		}
		switch {
		case fields[2] == "invoke":
			stack = append(stack, fields[1])
		case (fields[2] == "success" || strings.HasPrefix(fields[2], "failed")) &&
			len(stack) > 0 && stack[len(stack)-1] == fields[1]:
			stack = stack[:len(stack)-1]
		}
	}
	return out
}

func decodeEvent(name escrow.EventName, body []byte) (escrow.Event, error) {
	dec := bin.NewBorshDecoder(body)
	switch name {
	case escrow.EventTradeCreated:
		var raw tradeCreatedEvent
		if err := dec.Decode(&raw); err != nil {
			return nil, escrow.Malformed(name, "%v", err)
		}
		if raw.Seller.IsZero() {
			return nil, escrow.Malformed(name, "missing seller")
		}
		return escrow.TradeCreated{
			TradeID:         raw.TradeID,
			Seller:          raw.Seller.String(),
			UnitProductCost: newUint(raw.ProductCost),
			TotalQuantity:   raw.TotalQuantity,
		}, nil
	case escrow.EventPurchaseCreated:
		var raw purchaseCreatedEvent
		if err := dec.Decode(&raw); err != nil {
			return nil, escrow.Malformed(name, "%v", err)
		}
		if raw.Buyer.IsZero() {
			return nil, escrow.Malformed(name, "missing buyer")
		}
		return escrow.PurchaseCreated{
			PurchaseID:  raw.PurchaseID,
			TradeID:     raw.TradeID,
			Buyer:       raw.Buyer.String(),
			Quantity:    raw.Quantity,
			TotalAmount: newUint(raw.TotalAmount),
		}, nil
	case escrow.EventDeliveryConfirmed:
		var raw deliveryConfirmedEvent
		if err := dec.Decode(&raw); err != nil {
			return nil, escrow.Malformed(name, "%v", err)
		}
		return escrow.DeliveryConfirmed{PurchaseID: raw.PurchaseID, TradeID: raw.TradeID, Buyer: raw.Buyer.String()}, nil
	case escrow.EventDisputeRaised:
		var raw disputeRaisedEvent
		if err := dec.Decode(&raw); err != nil {
			return nil, escrow.Malformed(name, "%v", err)
		}
		return escrow.DisputeRaised{PurchaseID: raw.PurchaseID, Initiator: raw.Initiator.String()}, nil
	case escrow.EventDisputeResolved:
		var raw disputeResolvedEvent
		if err := dec.Decode(&raw); err != nil {
			return nil, escrow.Malformed(name, "%v", err)
		}
		if raw.Winner.IsZero() {
			return nil, escrow.Malformed(name, "missing winner")
		}
		return escrow.DisputeResolved{PurchaseID: raw.PurchaseID, Winner: raw.Winner.String()}, nil
	}
	return nil, escrow.Malformed(name, "unsupported event")
}
