package evm

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// EscrowABI describes the marketplace escrow contract. Deployments with a
// different surface are supported by loading their ABI with LoadABI as long
// as the method names below are kept.
const EscrowABI = `[
 {"type":"function","name":"registerLogisticsProvider","stateMutability":"nonpayable",
  "inputs":[{"name":"provider","type":"address"}],"outputs":[]},
 {"type":"function","name":"createTrade","stateMutability":"nonpayable",
  "inputs":[{"name":"seller","type":"address"},{"name":"productCost","type":"uint256"},
   {"name":"logisticsProviders","type":"address[]"},{"name":"logisticsCosts","type":"uint256[]"},
   {"name":"totalQuantity","type":"uint256"},{"name":"paymentToken","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"buyTrade","stateMutability":"payable",
  "inputs":[{"name":"tradeId","type":"uint256"},{"name":"quantity","type":"uint256"},
   {"name":"logisticsProvider","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"confirmDeliveryAndPurchase","stateMutability":"nonpayable",
  "inputs":[{"name":"purchaseId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"cancelPurchase","stateMutability":"nonpayable",
  "inputs":[{"name":"purchaseId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"raiseDispute","stateMutability":"nonpayable",
  "inputs":[{"name":"purchaseId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"resolveDispute","stateMutability":"nonpayable",
  "inputs":[{"name":"purchaseId","type":"uint256"},{"name":"winner","type":"address"}],"outputs":[]},
 {"type":"function","name":"withdrawEscrowFees","stateMutability":"nonpayable",
  "inputs":[{"name":"token","type":"address"}],"outputs":[]},
 {"type":"function","name":"logisticsProviders","stateMutability":"view",
  "inputs":[{"name":"provider","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getTrade","stateMutability":"view",
  "inputs":[{"name":"tradeId","type":"uint256"}],
  "outputs":[{"name":"","type":"tuple","components":[
   {"name":"tradeId","type":"uint256"},{"name":"seller","type":"address"},
   {"name":"paymentToken","type":"address"},{"name":"productCost","type":"uint256"},
   {"name":"logisticsProviders","type":"address[]"},{"name":"logisticsCosts","type":"uint256[]"},
   {"name":"totalQuantity","type":"uint256"},{"name":"remainingQuantity","type":"uint256"},
   {"name":"active","type":"bool"}]}]},
 {"type":"function","name":"getPurchase","stateMutability":"view",
  "inputs":[{"name":"purchaseId","type":"uint256"}],
  "outputs":[{"name":"","type":"tuple","components":[
   {"name":"purchaseId","type":"uint256"},{"name":"tradeId","type":"uint256"},
   {"name":"buyer","type":"address"},{"name":"quantity","type":"uint256"},
   {"name":"totalAmount","type":"uint256"},{"name":"chosenLogisticsProvider","type":"address"},
   {"name":"logisticsCost","type":"uint256"},{"name":"deliveredAndConfirmed","type":"bool"},
   {"name":"disputed","type":"bool"},{"name":"settled","type":"bool"}]}]},
 {"type":"event","name":"TradeCreated","anonymous":false,"inputs":[
   {"name":"tradeId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},
   {"name":"productCost","type":"uint256","indexed":false},{"name":"totalQuantity","type":"uint256","indexed":false}]},
 {"type":"event","name":"PurchaseCreated","anonymous":false,"inputs":[
   {"name":"purchaseId","type":"uint256","indexed":true},{"name":"tradeId","type":"uint256","indexed":true},
   {"name":"buyer","type":"address","indexed":true},{"name":"quantity","type":"uint256","indexed":false},
   {"name":"totalAmount","type":"uint256","indexed":false}]},
 {"type":"event","name":"DeliveryConfirmed","anonymous":false,"inputs":[
   {"name":"purchaseId","type":"uint256","indexed":true},{"name":"tradeId","type":"uint256","indexed":true},
   {"name":"buyer","type":"address","indexed":true}]},
 {"type":"event","name":"DisputeRaised","anonymous":false,"inputs":[
   {"name":"purchaseId","type":"uint256","indexed":true},{"name":"initiator","type":"address","indexed":true}]},
 {"type":"event","name":"DisputeResolved","anonymous":false,"inputs":[
   {"name":"purchaseId","type":"uint256","indexed":true},{"name":"winner","type":"address","indexed":true}]}
]`

// ERC20ABI is the subset of the ERC-20 surface used for payment tokens.
const ERC20ABI = `[
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"decimals","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var requiredMethods = []string{
	"registerLogisticsProvider", "createTrade", "buyTrade", "confirmDeliveryAndPurchase",
	"cancelPurchase", "raiseDispute", "resolveDispute", "getTrade", "getPurchase",
}

// ParseABI parses a JSON ABI and checks that the escrow methods exist.
func ParseABI(raw string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("evm: parse abi: %w", err)
	}
	for _, name := range requiredMethods {
		if _, ok := parsed.Methods[name]; !ok {
			return abi.ABI{}, fmt.Errorf("evm: abi missing method %s", name)
		}
	}
	return parsed, nil
}

// LoadABI reads an ABI from path. An empty path yields the built-in EscrowABI.
func LoadABI(path string) (abi.ABI, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ParseABI(EscrowABI)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("evm: read abi %s: %w", path, err)
	}
	return ParseABI(string(raw))
}

// tradeTuple mirrors the getTrade return tuple.
type tradeTuple struct {
	TradeId            *big.Int
	Seller             common.Address
	PaymentToken       common.Address
	ProductCost        *big.Int
	LogisticsProviders []common.Address
	LogisticsCosts     []*big.Int
	TotalQuantity      *big.Int
	RemainingQuantity  *big.Int
	Active             bool
}

// purchaseTuple mirrors the getPurchase return tuple.
type purchaseTuple struct {
	PurchaseId              *big.Int
	TradeId                 *big.Int
	Buyer                   common.Address
	Quantity                *big.Int
	TotalAmount             *big.Int
	ChosenLogisticsProvider common.Address
	LogisticsCost           *big.Int
	DeliveredAndConfirmed   bool
	Disputed                bool
	Settled                 bool
}
