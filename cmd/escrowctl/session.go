package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"escrowcore/cmd/internal/passphrase"
	"escrowcore/config"
	"escrowcore/escrow"
	"escrowcore/escrow/orchestrator"
	"escrowcore/observability/logging"
	"escrowcore/services/escrowd"
)

// session is one command's view of a single configured chain.
type session struct {
	ctx   context.Context
	orch  *orchestrator.Orchestrator
	chain escrow.ChainKind
	out   io.Writer
}

func prompt(chain config.ChainConfig) func() (string, error) {
	return passphrase.NewSource(chain.Signer.PassphraseEnv, chain.Name).Get
}

// withSession loads the config, dials only the selected chain, and runs fn
// against it under the command deadline.
func withSession(cctx *cli.Context, fn func(s *session) error) error {
	cfg, err := config.Load(cctx.String(flagConfig))
	if err != nil {
		return err
	}
	chainCfg, err := selectChain(cfg, cctx.String(flagChain))
	if err != nil {
		return err
	}

	logger, closer := logging.Setup(logging.Options{
		Service: "escrowctl",
		Env:     cfg.Environment,
		Level:   cctx.String(flagLogLevel),
		Output:  os.Stderr,
	})
	defer closer.Close()

	ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration(flagTimeout))
	defer cancel()

	scoped := *cfg
	scoped.Chains = []config.ChainConfig{*chainCfg}
	scoped.Storage = config.StorageConfig{}
	rt, err := escrowd.Build(ctx, &scoped, escrowd.BuildOptions{Logger: logger, Passphrase: prompt})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("close runtime", "error", err)
		}
	}()

	return fn(&session{ctx: ctx, orch: rt.Orchestrator, chain: chainCfg.Kind(), out: cctx.App.Writer})
}

func selectChain(cfg *config.Config, name string) (*config.ChainConfig, error) {
	if name = strings.TrimSpace(name); name != "" {
		return cfg.Chain(name)
	}
	if len(cfg.Chains) != 1 {
		return nil, fmt.Errorf("--%s is required when %d chains are configured", flagChain, len(cfg.Chains))
	}
	return &cfg.Chains[0], nil
}

// amount converts a command line amount of token into atomic units. Human
// amounts are scaled by the token's decimals unless atomic is set.
func (s *session) amount(token, value string, atomic bool) (*big.Int, error) {
	if atomic {
		return parseAtomic(value)
	}
	decimals, err := s.decimals(token)
	if err != nil {
		return nil, err
	}
	return escrow.ToAtomic(value, decimals)
}

func (s *session) decimals(token string) (uint8, error) {
	resolved, err := s.orch.ResolveToken(s.chain, token)
	if err != nil {
		return 0, err
	}
	adapter, err := s.orch.Adapter(s.chain)
	if err != nil {
		return 0, err
	}
	if adapter.NativeToken(resolved) {
		return nativeDecimals(adapter.Family()), nil
	}
	return s.orch.Decimals(s.ctx, s.chain, resolved)
}

func nativeDecimals(family escrow.Family) uint8 {
	if family == escrow.FamilyPDA {
		return 9
	}
	return 18
}

func (s *session) signer() (string, error) {
	adapter, err := s.orch.Adapter(s.chain)
	if err != nil {
		return "", err
	}
	return adapter.Signer(), nil
}

func parseAtomic(value string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || v.Sign() < 0 {
		return nil, escrow.Invalid("atomic amount %q must be a non-negative integer", value)
	}
	return v, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// report prints the operation result, including the partial result that
// accompanies unlinked and abandoned outcomes, and passes err through.
func report(w io.Writer, res *orchestrator.Result, err error) error {
	if res != nil {
		if werr := writeJSON(w, res); werr != nil {
			return errors.Join(err, werr)
		}
	}
	return err
}
