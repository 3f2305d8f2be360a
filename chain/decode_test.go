package chain

import (
	"bytes"
	"testing"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/stretchr/testify/require"
)

func TestBabeAuthorityIndex(t *testing.T) {
	digest := types.Digest{
		{IsPreRuntime: true, AsPreRuntime: types.PreRuntime{
			ConsensusEngineID: babeEngineID,
			Bytes:             types.Bytes{2, 7, 0, 0, 0, 0xaa},
		}},
	}
	idx, ok := babeAuthorityIndex(digest)
	require.True(t, ok)
	require.Equal(t, uint32(7), idx)

	_, ok = babeAuthorityIndex(types.Digest{})
	require.False(t, ok)

	_, ok = preDigestAuthorityIndex([]byte{9, 1, 0, 0, 0})
	require.False(t, ok)
}

func TestDecodeNominateTargets(t *testing.T) {
	a := bytes.Repeat([]byte{1}, 32)
	b := bytes.Repeat([]byte{2}, 32)

	args := []byte{2 << 2, 0}
	args = append(args, a...)
	args = append(args, 3)
	args = append(args, b...)

	targets, err := decodeNominateTargets(args)
	require.NoError(t, err)
	require.Equal(t, [][]byte{a, b}, targets)

	_, err = decodeNominateTargets([]byte{1 << 2, 1, 5})
	require.Error(t, err)

	_, err = decodeNominateTargets([]byte{1 << 2, 0, 1, 2})
	require.Error(t, err)
}

func TestErasToCheck(t *testing.T) {
	// eras older than the first claimed one are still candidates
	claimed := []types.U32{98, 100}
	require.Equal(t, []uint32{96, 97, 99, 101}, erasToCheck(claimed, 102, 6))

	require.Equal(t, []uint32{0, 1}, erasToCheck(nil, 2, 84))
	require.Empty(t, erasToCheck([]types.U32{4}, 5, 1))
}
