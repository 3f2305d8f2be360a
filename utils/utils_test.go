package utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint64KeysSortNumerically(t *testing.T) {
	a := CompositeKey("S1", 9)
	b := CompositeKey("S1", 10)
	require.Equal(t, -1, bytes.Compare(a, b))
	require.True(t, bytes.HasPrefix(a, PrefixKey("S1")))
	require.Len(t, b, len(PrefixKey("S1"))+8)
}

func TestStringToUint64(t *testing.T) {
	n, err := StringToUint64("42")
	require.NoError(t, err)
	require.Equal(t, uint64(42), n)

	_, err = StringToUint64("x")
	require.Error(t, err)
}
