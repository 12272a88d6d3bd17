package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := Connect(context.Background(), srv.Addr(), "", 0)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := srv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestConnectUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := Connect(context.Background(), addr, "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache: ping redis")
}

func TestParseDB(t *testing.T) {
	assert.Equal(t, 0, parseDB(""))
	assert.Equal(t, 3, parseDB(" 3 "))
	assert.Equal(t, 0, parseDB("-1"))
	assert.Equal(t, 0, parseDB("x"))
}
