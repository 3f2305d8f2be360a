package chain

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

var babeEngineID = types.ConsensusEngineID(binary.LittleEndian.Uint32([]byte("BABE")))

// babeAuthorityIndex extracts the slot author's index into the session
// validator set from a BABE pre-runtime digest.
func babeAuthorityIndex(digest types.Digest) (uint32, bool) {
	for _, item := range digest {
		if !item.IsPreRuntime || item.AsPreRuntime.ConsensusEngineID != babeEngineID {
			continue
		}
		return preDigestAuthorityIndex(item.AsPreRuntime.Bytes)
	}
	return 0, false
}

// preDigestAuthorityIndex reads PreDigest::{Primary,SecondaryPlain,SecondaryVRF}.authority_index.
func preDigestAuthorityIndex(b []byte) (uint32, bool) {
	if len(b) < 5 || b[0] < 1 || b[0] > 3 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[1:5]), true
}

// decodeNominateTargets decodes the Vec<MultiAddress> argument of Staking.nominate.
func decodeNominateTargets(args []byte) ([][]byte, error) {
	dec := scale.NewDecoder(bytes.NewReader(args))
	n, err := dec.DecodeUintCompact()
	if err != nil {
		return nil, err
	}
	count := n.Uint64()
	if count > 1024 {
		return nil, fmt.Errorf("implausible target count %d", count)
	}
	targets := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		variant, err := dec.ReadOneByte()
		if err != nil {
			return nil, err
		}
		switch variant {
		case 0, 3: // Id, Address32
			pub := make([]byte, 32)
			if err := dec.Read(pub); err != nil {
				return nil, err
			}
			targets = append(targets, pub)
		default:
			return nil, fmt.Errorf("unsupported address variant %d", variant)
		}
	}
	return targets, nil
}
