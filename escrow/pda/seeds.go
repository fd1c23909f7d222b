package pda

import (
	"encoding/binary"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// Seed prefixes of every program derived record.
const (
	SeedTrade             = "trade"
	SeedPurchase          = "purchase"
	SeedBuyer             = "buyer"
	SeedEscrow            = "escrow"
	SeedLogisticsProvider = "logistics_provider"
	SeedGlobalState       = "global_state"
)

// Deriver computes record addresses for one program.
type Deriver struct {
	program solana.PublicKey
}

// NewDeriver binds a Deriver to program.
func NewDeriver(program solana.PublicKey) Deriver {
	return Deriver{program: program}
}

func u64le(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func (d Deriver) find(seeds ...[]byte) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(seeds, d.program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("pda: derive %q: %w", seeds[0], err)
	}
	return addr, nil
}

func (d Deriver) Trade(id uint64) (solana.PublicKey, error) {
	return d.find([]byte(SeedTrade), u64le(id))
}

func (d Deriver) Purchase(id uint64) (solana.PublicKey, error) {
	return d.find([]byte(SeedPurchase), u64le(id))
}

func (d Deriver) Buyer(buyer solana.PublicKey) (solana.PublicKey, error) {
	return d.find([]byte(SeedBuyer), buyer.Bytes())
}

// Escrow is the program owned token account holding funds for mint.
func (d Deriver) Escrow(mint solana.PublicKey) (solana.PublicKey, error) {
	return d.find([]byte(SeedEscrow), mint.Bytes())
}

func (d Deriver) LogisticsProvider(provider solana.PublicKey) (solana.PublicKey, error) {
	return d.find([]byte(SeedLogisticsProvider), provider.Bytes())
}

func (d Deriver) GlobalState() (solana.PublicKey, error) {
	return d.find([]byte(SeedGlobalState))
}
