// Package address validates chain addresses for the active network.
package address

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	subkey "github.com/vedhavyas/go-subkey/v2"
)

const publicKeyLength = 32

type Validator struct {
	prefix uint16
}

func NewValidator(prefix uint16) *Validator {
	return &Validator{prefix: prefix}
}

// IsValid reports whether candidate is an address of the active network,
// either in SS58 form or as a 0x-prefixed public key.
func (v *Validator) IsValid(candidate string) bool {
	_, ok := v.decode(candidate)
	return ok
}

// Normalize returns the SS58 form of a valid candidate.
func (v *Validator) Normalize(candidate string) (string, bool) {
	pub, ok := v.decode(candidate)
	if !ok {
		return "", false
	}
	return v.Encode(pub), true
}

// Encode renders a raw public key in the network's SS58 form.
func (v *Validator) Encode(pub []byte) string {
	return subkey.SS58Encode(pub, v.prefix)
}

func (v *Validator) decode(candidate string) (pub []byte, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			pub, ok = nil, false
		}
	}()

	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil, false
	}

	if strings.HasPrefix(candidate, "0x") || strings.HasPrefix(candidate, "0X") {
		b, err := hexutil.Decode("0x" + candidate[2:])
		if err != nil || len(b) != publicKeyLength {
			return nil, false
		}
		return b, true
	}

	prefix, b, err := subkey.SS58Decode(candidate)
	if err != nil || len(b) != publicKeyLength {
		return nil, false
	}
	if prefix != v.prefix {
		return nil, false
	}
	return b, true
}
