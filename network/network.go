// Package network holds the chain profiles the bot can run against.
package network

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Network struct {
	Name          string
	SS58Prefix    uint16
	EraLength     time.Duration
	Token         string
	Decimals      int32
	RPCUrl        string
	CandidatesURL string
}

// EraMinutes is the era length expressed in the unit chat block periods are stored in.
func (n Network) EraMinutes() int {
	return int(n.EraLength / time.Minute)
}

func (n Network) HalfEraMinutes() int {
	return n.EraMinutes() / 2
}

// FormatAmount renders a planck amount in whole tokens, e.g. "12.34 KSM".
func (n Network) FormatAmount(planck *big.Int) string {
	if planck == nil {
		planck = new(big.Int)
	}
	return decimal.NewFromBigInt(planck, -n.Decimals).StringFixed(2) + " " + n.Token
}

var profiles = map[string]Network{
	"polkadot": {
		Name:          "polkadot",
		SS58Prefix:    0,
		EraLength:     24 * time.Hour,
		Token:         "DOT",
		Decimals:      10,
		RPCUrl:        "wss://rpc.polkadot.io",
		CandidatesURL: "https://polkadot.w3f.community",
	},
	"kusama": {
		Name:          "kusama",
		SS58Prefix:    2,
		EraLength:     6 * time.Hour,
		Token:         "KSM",
		Decimals:      12,
		RPCUrl:        "wss://kusama-rpc.polkadot.io",
		CandidatesURL: "https://kusama.w3f.community",
	},
}

// Lookup returns the profile for name, case-insensitively.
func Lookup(name string) (Network, error) {
	n, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Network{}, fmt.Errorf("unknown network %q, expected one of %s", name, strings.Join(Names(), ", "))
	}
	return n, nil
}

func Names() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
