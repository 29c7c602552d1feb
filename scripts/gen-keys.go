// Small helper to generate dev secp256k1 keys for escrow participants and print
// - a workflow "actors" block (name -> private key hex)
// - a matching "ledger.genesis" block funding each derived address
package main

import (
	"crypto/ecdsa"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

type allocation struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

type output struct {
	Actors  map[string]string `yaml:"actors"`
	Genesis []allocation      `yaml:"genesis"`
}

func gen() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

func main() {
	names := flag.String("names", "manager,worker,verifier1,verifier2", "comma separated participant names")
	amount := flag.String("amount", "10000000000000000000000", "genesis amount per participant in base units")
	flag.Parse()

	out := output{Actors: make(map[string]string)}
	for _, name := range strings.Split(*names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := gen()
		out.Actors[name] = fmt.Sprintf("%x", crypto.FromECDSA(key))
		out.Genesis = append(out.Genesis, allocation{
			Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
			Amount:  *amount,
		})
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
