package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsDatabaseWithPassword(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cret")
	ctx := context.Background()

	_, err := New(ctx, Options{Addr: mr.Addr(), Password: "wrong"})
	require.Error(t, err)

	client, err := New(ctx, Options{Addr: mr.Addr(), Password: "s3cret", DB: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(ctx, "lock", "held", 0).Err())
	mr.Select(3)
	require.True(t, mr.Exists("lock"))
	mr.Select(0)
	require.False(t, mr.Exists("lock"))
}

func TestNewRejectsUnknownDatabase(t *testing.T) {
	_, err := New(context.Background(), Options{Addr: "127.0.0.1:0", DB: 16})
	require.ErrorContains(t, err, "out of range")
}

func TestAsynqSharesConnectionSettings(t *testing.T) {
	opt := Options{Addr: "redis:6379", Password: "pw", DB: 2}.Asynq()
	require.Equal(t, "redis:6379", opt.Addr)
	require.Equal(t, "pw", opt.Password)
	require.Equal(t, 2, opt.DB)
}
