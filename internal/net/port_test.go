package net

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalAddr(t *testing.T) {
	addr, err := LocalAddr()
	require.NoError(t, err)

	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}
