package main

import (
	"log"

	"escrowcore/cmd/internal/passphrase"
	"escrowcore/config"
	"escrowcore/services/escrowd"
)

func main() {
	prompt := func(chain config.ChainConfig) func() (string, error) {
		return passphrase.NewSource(chain.Signer.PassphraseEnv, chain.Name).Get
	}
	if err := escrowd.Main(prompt); err != nil {
		log.Fatalf("escrowd: %v", err)
	}
}
