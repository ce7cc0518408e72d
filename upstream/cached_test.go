package upstream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/allocation-ledger/ledger"
	"github.com/warp/allocation-ledger/upstream"
)

func TestCached(t *testing.T) {
	ctx := context.Background()
	base := upstream.NewMemory(nil, nil, map[string]string{"alice": "u-001"})
	key := "ledger:upstream:user:alice"

	t.Run("miss resolves and stores", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		r := upstream.NewCached(base, client, time.Minute, zap.NewNop())

		mock.ExpectGet(key).RedisNil()
		mock.ExpectSet(key, "u-001", time.Minute).SetVal("OK")

		id, err := r.UserID(ctx, "alice")

		require.NoError(t, err)
		assert.Equal(t, "u-001", id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hit skips the resolver", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		r := upstream.NewCached(base, client, time.Minute, nil)

		mock.ExpectGet("ledger:upstream:user:bob").SetVal("u-002")

		id, err := r.UserID(ctx, "bob")

		require.NoError(t, err)
		assert.Equal(t, "u-002", id, "served from cache although base does not know bob")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("errors are not cached", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		r := upstream.NewCached(base, client, time.Minute, nil)

		mock.ExpectGet("ledger:upstream:project:grant-9").RedisNil()

		_, err := r.ProjectID(ctx, "grant-9")

		assert.True(t, ledger.IsNotFound(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis down falls through", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		r := upstream.NewCached(base, client, 0, nil)

		mock.ExpectGet(key).SetErr(errors.New("connection refused"))
		mock.ExpectSet(key, "u-001", upstream.DefaultCacheTTL).SetErr(errors.New("connection refused"))

		id, err := r.UserID(ctx, "alice")

		require.NoError(t, err)
		assert.Equal(t, "u-001", id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
