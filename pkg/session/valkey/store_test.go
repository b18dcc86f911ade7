package sessionvalkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-relay/internal/dbtest/valkeytest"
	"github.com/openkcm/session-relay/internal/serviceerr"
)

func TestNewStore(t *testing.T) {
	ctx := t.Context()
	valkeyClient, _, terminate := valkeytest.Start(ctx)
	defer terminate(ctx)

	t.Run("creates store with prefix", func(t *testing.T) {
		store := newStore(valkeyClient, "test-prefix")

		assert.NotNil(t, store)
		assert.Equal(t, "test-prefix", store.prefix)
		assert.NotNil(t, store.valkey)
	})

	t.Run("trims trailing colon from prefix", func(t *testing.T) {
		store := newStore(valkeyClient, "test-prefix:")
		assert.Equal(t, "test-prefix", store.prefix)
	})

	t.Run("generates correct key format", func(t *testing.T) {
		store := newStore(valkeyClient, "prefix")
		assert.Equal(t, "prefix:session:current", store.key(objectTypeSession, currentID))
	})

	t.Run("set get destroy", func(t *testing.T) {
		type payload struct {
			Name string `json:"name"`
		}

		store := newStore(valkeyClient, "store-roundtrip")
		require.NoError(t, store.Set(ctx, "object", "id-1", payload{Name: "value"}))

		var got payload
		require.NoError(t, store.Get(ctx, "object", "id-1", &got))
		assert.Equal(t, "value", got.Name)

		require.NoError(t, store.Destroy(ctx, "object", "id-1"))
		err := store.Get(ctx, "object", "id-1", &got)
		assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	})

	t.Run("decode error is reported", func(t *testing.T) {
		store := newStore(valkeyClient, "store-decode")
		key := store.key("object", "broken")
		require.NoError(t, valkeyClient.Do(ctx, valkeyClient.B().Set().Key(key).Value("not-json").Build()).Error())

		var got map[string]string
		err := store.Get(ctx, "object", "broken", &got)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, serviceerr.ErrNotFound)
	})
}
