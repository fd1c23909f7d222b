package main

import (
	"math/big"

	"github.com/urfave/cli/v2"

	"escrowcore/escrow"
	"escrowcore/escrow/orchestrator"
)

func purchaseFlag() cli.Flag {
	return &cli.Uint64Flag{Name: "purchase", Usage: "purchase id", Required: true}
}

var createTradeCmd = &cli.Command{
	Name:  "create-trade",
	Usage: "list a trade with its logistics options",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "seller", Usage: "seller account; defaults to the chain signer"},
		&cli.StringFlag{Name: "token", Usage: "payment token symbol or address", Required: true},
		&cli.StringFlag{Name: "cost", Usage: "unit product cost", Required: true},
		&cli.Uint64Flag{Name: "quantity", Usage: "units offered", Required: true},
		&cli.StringSliceFlag{Name: "provider", Usage: "logistics provider, repeat per provider"},
		&cli.StringSliceFlag{Name: "logistics-cost", Usage: "per-unit logistics cost, one per --provider"},
		&cli.BoolFlag{Name: "atomic", Usage: "amounts are already in atomic units"},
	},
	Action: func(cctx *cli.Context) error {
		return withSession(cctx, func(s *session) error {
			token := cctx.String("token")
			seller := cctx.String("seller")
			if seller == "" {
				signer, err := s.signer()
				if err != nil {
					return err
				}
				seller = signer
			}
			cost, err := s.amount(token, cctx.String("cost"), cctx.Bool("atomic"))
			if err != nil {
				return err
			}
			rawCosts := cctx.StringSlice("logistics-cost")
			costs := make([]*big.Int, 0, len(rawCosts))
			for _, raw := range rawCosts {
				c, err := s.amount(token, raw, cctx.Bool("atomic"))
				if err != nil {
					return err
				}
				costs = append(costs, c)
			}
			res, err := s.orch.CreateTrade(s.ctx, s.chain, orchestrator.CreateTradeRequest{
				Seller:             seller,
				UnitProductCost:    cost,
				TotalQuantity:      cctx.Uint64("quantity"),
				PaymentToken:       token,
				LogisticsProviders: cctx.StringSlice("provider"),
				LogisticsCosts:     costs,
			})
			return report(s.out, res, err)
		})
	},
}

var buyCmd = &cli.Command{
	Name:  "buy",
	Usage: "buy units of a trade, approving the escrow first when needed",
	Flags: []cli.Flag{
		&cli.Uint64Flag{Name: "trade", Usage: "trade id", Required: true},
		&cli.Uint64Flag{Name: "quantity", Usage: "units to buy", Required: true},
		&cli.StringFlag{Name: "provider", Usage: "chosen logistics provider", Required: true},
		&cli.StringFlag{Name: "token", Usage: "expected payment token"},
	},
	Action: func(cctx *cli.Context) error {
		return withSession(cctx, func(s *session) error {
			res, err := s.orch.BuyTrade(s.ctx, s.chain, orchestrator.BuyTradeRequest{
				TradeID:        cctx.Uint64("trade"),
				Quantity:       cctx.Uint64("quantity"),
				ChosenProvider: cctx.String("provider"),
				PaymentToken:   cctx.String("token"),
			})
			return report(s.out, res, err)
		})
	},
}

// purchaseCommand builds the commands that act on a single purchase id.
func purchaseCommand(name, usage string, op func(s *session, id uint64) (*orchestrator.Result, error)) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{purchaseFlag()},
		Action: func(cctx *cli.Context) error {
			return withSession(cctx, func(s *session) error {
				res, err := op(s, cctx.Uint64("purchase"))
				return report(s.out, res, err)
			})
		},
	}
}

var confirmCmd = purchaseCommand("confirm", "confirm delivery and release funds",
	func(s *session, id uint64) (*orchestrator.Result, error) {
		return s.orch.ConfirmDelivery(s.ctx, s.chain, id)
	})

var cancelCmd = purchaseCommand("cancel", "cancel an undelivered purchase and refund the buyer",
	func(s *session, id uint64) (*orchestrator.Result, error) {
		return s.orch.CancelPurchase(s.ctx, s.chain, id)
	})

var disputeCmd = purchaseCommand("dispute", "raise a dispute on a purchase",
	func(s *session, id uint64) (*orchestrator.Result, error) {
		return s.orch.RaiseDispute(s.ctx, s.chain, id)
	})

var resolveCmd = &cli.Command{
	Name:  "resolve",
	Usage: "settle a disputed purchase in favour of the winner",
	Flags: []cli.Flag{
		purchaseFlag(),
		&cli.StringFlag{Name: "winner", Usage: "account that receives the escrowed funds", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		return withSession(cctx, func(s *session) error {
			res, err := s.orch.ResolveDispute(s.ctx, s.chain, cctx.Uint64("purchase"), cctx.String("winner"))
			return report(s.out, res, err)
		})
	},
}

var registerProviderCmd = &cli.Command{
	Name:      "register-provider",
	Usage:     "register a logistics provider",
	ArgsUsage: "<provider>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return escrow.Invalid("register-provider takes exactly one provider")
		}
		return withSession(cctx, func(s *session) error {
			res, err := s.orch.RegisterLogisticsProvider(s.ctx, s.chain, cctx.Args().First())
			return report(s.out, res, err)
		})
	},
}

var withdrawFeesCmd = &cli.Command{
	Name:      "withdraw-fees",
	Usage:     "withdraw accrued escrow fees of a token",
	ArgsUsage: "<token>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return escrow.Invalid("withdraw-fees takes exactly one token")
		}
		return withSession(cctx, func(s *session) error {
			res, err := s.orch.WithdrawEscrowFees(s.ctx, s.chain, cctx.Args().First())
			return report(s.out, res, err)
		})
	},
}

var tradeCmd = &cli.Command{
	Name:      "trade",
	Usage:     "show a trade",
	ArgsUsage: "<trade id>",
	Action: func(cctx *cli.Context) error {
		id, err := idArg(cctx)
		if err != nil {
			return err
		}
		return withSession(cctx, func(s *session) error {
			trade, err := s.orch.GetTrade(s.ctx, s.chain, id)
			if err != nil {
				return err
			}
			return writeJSON(s.out, trade)
		})
	},
}

var purchaseCmd = &cli.Command{
	Name:      "purchase",
	Usage:     "show a purchase",
	ArgsUsage: "<purchase id>",
	Action: func(cctx *cli.Context) error {
		id, err := idArg(cctx)
		if err != nil {
			return err
		}
		return withSession(cctx, func(s *session) error {
			purchase, err := s.orch.GetPurchase(s.ctx, s.chain, id)
			if err != nil {
				return err
			}
			return writeJSON(s.out, purchase)
		})
	},
}

var providerCmd = &cli.Command{
	Name:      "provider",
	Usage:     "show a logistics provider's registration",
	ArgsUsage: "<provider>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return escrow.Invalid("provider takes exactly one account")
		}
		return withSession(cctx, func(s *session) error {
			provider, err := s.orch.GetLogisticsProvider(s.ctx, s.chain, cctx.Args().First())
			if err != nil {
				return err
			}
			return writeJSON(s.out, provider)
		})
	},
}

// amountView reports a token quantity both raw and scaled by decimals.
type amountView struct {
	Chain    escrow.ChainKind `json:"chain"`
	Owner    string           `json:"owner"`
	Token    string           `json:"token"`
	Atomic   string           `json:"atomic"`
	Amount   string           `json:"amount"`
	Decimals uint8            `json:"decimals"`
}

func tokenQuery(name, usage string, read func(s *session, owner, token string) (*big.Int, error)) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "owner", Usage: "account to inspect; defaults to the chain signer"},
			&cli.StringFlag{Name: "token", Usage: "token symbol or address", Required: true},
		},
		Action: func(cctx *cli.Context) error {
			return withSession(cctx, func(s *session) error {
				owner, token := cctx.String("owner"), cctx.String("token")
				if owner == "" {
					signer, err := s.signer()
					if err != nil {
						return err
					}
					owner = signer
				}
				value, err := read(s, owner, token)
				if err != nil {
					return err
				}
				decimals, err := s.decimals(token)
				if err != nil {
					return err
				}
				return writeJSON(s.out, newAmountView(s.chain, owner, token, value, decimals))
			})
		},
	}
}

func newAmountView(chain escrow.ChainKind, owner, token string, value *big.Int, decimals uint8) amountView {
	return amountView{
		Chain:    chain,
		Owner:    owner,
		Token:    token,
		Atomic:   value.String(),
		Amount:   escrow.FromAtomic(value, decimals),
		Decimals: decimals,
	}
}

var allowanceCmd = tokenQuery("allowance", "show how much of a token the escrow may pull",
	func(s *session, owner, token string) (*big.Int, error) {
		return s.orch.Allowance(s.ctx, s.chain, owner, token)
	})

var balanceCmd = tokenQuery("balance", "show a token balance",
	func(s *session, owner, token string) (*big.Int, error) {
		return s.orch.Balance(s.ctx, s.chain, owner, token)
	})

func idArg(cctx *cli.Context) (uint64, error) {
	if cctx.NArg() != 1 {
		return 0, escrow.Invalid("%s takes exactly one id", cctx.Command.Name)
	}
	v, ok := new(big.Int).SetString(cctx.Args().First(), 10)
	if !ok || !v.IsUint64() {
		return 0, escrow.Invalid("id %q must be an unsigned integer", cctx.Args().First())
	}
	return v.Uint64(), nil
}
