package watcher

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"escrowcore/escrow"
	"escrowcore/storage"
)

// SignatureClient is the slice of the Solana RPC API the PDA source needs.
type SignatureClient interface {
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// ProgramDecoder decodes escrow program logs. *pda.Adapter satisfies it.
type ProgramDecoder interface {
	Chain() escrow.ChainKind
	ProgramID() solana.PublicKey
	DecodeLogs(logs []string) []escrow.DecodedEvent
}

// PDASource walks the program's transaction signatures oldest first.
type PDASource struct {
	client     SignatureClient
	decoder    ProgramDecoder
	commitment rpc.CommitmentType
	cfg        SourceConfig
}

var maxTxVersion uint64

// NewPDASource builds a signature walking source. Commitment defaults to
// confirmed.
func NewPDASource(client SignatureClient, decoder ProgramDecoder, commitment rpc.CommitmentType, cfg SourceConfig) *PDASource {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &PDASource{client: client, decoder: decoder, commitment: commitment, cfg: cfg.normalise()}
}

// Chain implements Source.
func (s *PDASource) Chain() escrow.ChainKind { return s.decoder.Chain() }

// Poll implements Source. The cursor holds the newest signature handled and
// its slot. Without a cursor the source anchors at the newest signature and
// reports nothing.
func (s *PDASource) Poll(ctx context.Context, from storage.Cursor) (Batch, error) {
	batch := Batch{Next: from}
	var until solana.Signature
	if from.Signature != "" {
		sig, err := solana.SignatureFromBase58(from.Signature)
		if err != nil {
			return batch, escrow.Invalid("cursor signature %q: %v", from.Signature, err)
		}
		until = sig
	}
	pending, err := s.signatures(ctx, until, from.Signature == "")
	if err != nil {
		return batch, err
	}
	if len(pending) == 0 {
		return batch, nil
	}
	if from.Signature == "" {
		newest := pending[0]
		batch.Next = storage.Cursor{Chain: from.Chain, Height: newest.Slot, Signature: newest.Signature.String()}
		return batch, nil
	}

	for i := len(pending) - 1; i >= 0; i-- {
		entry := pending[i]
		if entry.Err == nil {
			logs, found, err := s.transactionLogs(ctx, entry.Signature)
			if err != nil {
				return batch, err
			}
			if !found {
				// Not indexed yet; pick it up on the next poll.
				return batch, nil
			}
			for _, decoded := range s.decoder.DecodeLogs(logs) {
				batch.Observations = append(batch.Observations, Observation{
					Chain:  s.decoder.Chain(),
					Handle: entry.Signature.String(),
					Height: entry.Slot,
					Index:  decoded.Index,
					Name:   decoded.Name,
					Event:  decoded.Event,
					Err:    decoded.Err,
				})
			}
		}
		batch.Next = storage.Cursor{Chain: from.Chain, Height: entry.Slot, Signature: entry.Signature.String()}
	}
	return batch, nil
}

// signatures returns every signature newer than until, newest first. Pages
// are followed to the end so no transaction between the cursor and the tip
// is skipped.
func (s *PDASource) signatures(ctx context.Context, until solana.Signature, newestOnly bool) ([]*rpc.TransactionSignature, error) {
	limit := int(s.cfg.BatchSize)
	if newestOnly {
		limit = 1
	}
	var (
		out    []*rpc.TransactionSignature
		before solana.Signature
	)
	for {
		if err := s.cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := s.client.GetSignaturesForAddressWithOpts(ctx, s.decoder.ProgramID(), &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Before:     before,
			Until:      until,
			Commitment: s.commitment,
		})
		if err != nil {
			return nil, escrow.Unreachable("get signatures", err)
		}
		out = append(out, page...)
		if newestOnly || len(page) < limit {
			return out, nil
		}
		before = page[len(page)-1].Signature
	}
}

func (s *PDASource) transactionLogs(ctx context.Context, sig solana.Signature) ([]string, bool, error) {
	if err := s.cfg.Limiter.Wait(ctx); err != nil {
		return nil, false, err
	}
	res, err := s.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     s.commitment,
		MaxSupportedTransactionVersion: &maxTxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, escrow.Unreachable("get transaction", err)
	}
	if res == nil || res.Meta == nil {
		return nil, false, nil
	}
	return res.Meta.LogMessages, true, nil
}
