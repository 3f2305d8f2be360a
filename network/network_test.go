package network

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	n, err := Lookup(" Kusama ")
	require.NoError(t, err)
	require.Equal(t, uint16(2), n.SS58Prefix)
	require.Equal(t, 360, n.EraMinutes())
	require.Equal(t, 180, n.HalfEraMinutes())

	p, err := Lookup("polkadot")
	require.NoError(t, err)
	require.Equal(t, 1440, p.EraMinutes())

	_, err = Lookup("westend")
	require.Error(t, err)
	require.Equal(t, []string{"kusama", "polkadot"}, Names())
}

func TestFormatAmount(t *testing.T) {
	n, err := Lookup("kusama")
	require.NoError(t, err)
	amount, ok := new(big.Int).SetString("12345000000000", 10)
	require.True(t, ok)
	require.Equal(t, "12.35 KSM", n.FormatAmount(amount))
	require.Equal(t, "0.00 KSM", n.FormatAmount(nil))
}
