package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	l, err := Create("debug", "json")
	require.NoError(t, err)
	require.NotNil(t, Component(l, "test"))

	_, err = Create("loud", "")
	require.Error(t, err)
}
