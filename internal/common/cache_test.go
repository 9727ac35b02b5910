package common

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/lgulliver/conduit/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCache_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cache, err := NewCache(&config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.HSetJSON(ctx, "h", map[string]interface{}{"a": map[string]int{"n": 1}}))
	raw, err := cache.HGetAllRaw(ctx, "h")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, raw["a"])

	require.NoError(t, cache.HDel(ctx, "h", "a"))
	raw, err = cache.HGetAllRaw(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestNewCache_FailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	mr.Close()

	cache, err := NewCache(&config.RedisConfig{Host: mr.Host(), Port: port})
	assert.Error(t, err)
	assert.Nil(t, cache)
}
