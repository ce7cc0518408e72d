package upstream_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-ledger/ledger"
	"github.com/warp/allocation-ledger/upstream"
)

func TestMemory_Resolve(t *testing.T) {
	ctx := context.Background()
	r := upstream.NewMemory(
		map[string]string{"grant-1": "p-001"},
		map[string]string{"cluster": "r-001"},
		nil,
	)

	id, err := r.ProjectID(ctx, "grant-1")
	require.NoError(t, err)
	assert.Equal(t, "p-001", id)

	id, err = r.ResourceID(ctx, "cluster")
	require.NoError(t, err)
	assert.Equal(t, "r-001", id)

	_, err = r.UserID(ctx, "alice")
	var nf *ledger.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "user", nf.Kind)
	assert.Equal(t, "alice", nf.Key)

	r.AddUser("alice", "u-001")
	id, err = r.UserID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-001", id)
}

func TestMemory_CopiesInput(t *testing.T) {
	projects := map[string]string{"grant-1": "p-001"}
	r := upstream.NewMemory(projects, nil, nil)
	projects["grant-1"] = "changed"

	id, err := r.ProjectID(context.Background(), "grant-1")
	require.NoError(t, err)
	assert.Equal(t, "p-001", id)
}

func TestNew(t *testing.T) {
	t.Run("memory by default", func(t *testing.T) {
		r, closeFn, err := upstream.New(upstream.Config{
			Projects: map[string]string{"grant-1": "p-001"},
		}, nil)
		require.NoError(t, err)
		defer closeFn()

		assert.IsType(t, &upstream.Memory{}, r)
		id, err := r.ProjectID(context.Background(), "grant-1")
		require.NoError(t, err)
		assert.Equal(t, "p-001", id)
	})

	t.Run("system", func(t *testing.T) {
		r, closeFn, err := upstream.New(upstream.Config{Kind: upstream.KindSystem}, nil)
		require.NoError(t, err)
		defer closeFn()
		assert.IsType(t, &upstream.System{}, r)
	})

	t.Run("cached", func(t *testing.T) {
		r, closeFn, err := upstream.New(upstream.Config{
			Kind:  upstream.KindMemory,
			Cache: upstream.CacheConfig{Enabled: true, Addr: "localhost:6379"},
		}, nil)
		require.NoError(t, err)
		defer closeFn()
		assert.IsType(t, &upstream.Cached{}, r)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, _, err := upstream.New(upstream.Config{Kind: "ldap"}, nil)
		assert.Error(t, err)
	})
}

func TestMemory_NamesMatchCaseInsensitively(t *testing.T) {
	ctx := context.Background()
	r := upstream.NewMemory(map[string]string{"Grant-1": "p-001"}, nil, nil)
	r.AddUser("Alice", "u-001")

	for _, name := range []string{"grant-1", "Grant-1", "GRANT-1"} {
		id, err := r.ProjectID(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, "p-001", id)
	}

	id, err := r.UserID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-001", id)
}
