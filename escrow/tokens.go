package escrow

import (
	"strings"
)

// TokenTable maps payment token symbols to contract addresses or mints for a
// single network.
type TokenTable map[string]string

// Resolve returns the address for symbolOrAddress. Unknown symbols are
// returned unchanged so callers may pass literal addresses.
func (t TokenTable) Resolve(symbolOrAddress string) (string, error) {
	value := strings.TrimSpace(symbolOrAddress)
	if value == "" {
		return "", Invalid("payment token is required")
	}
	if addr, ok := t[strings.ToUpper(value)]; ok {
		return addr, nil
	}
	return value, nil
}

// Symbol performs the reverse lookup used in logs and CLI output.
func (t TokenTable) Symbol(address string) string {
	for symbol, addr := range t {
		if SameAccount(addr, address) {
			return symbol
		}
	}
	return ""
}
