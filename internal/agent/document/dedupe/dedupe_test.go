package dedupe

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashNormalises(t *testing.T) {
	assert.Equal(t, Hash("Net Pay  1,200.00\n"), Hash("net pay 1,200.00"))
	assert.NotEqual(t, Hash("net pay 1,200.00"), Hash("net pay 1,300.00"))
}

func TestIndexes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	for name, idx := range map[string]Index{
		"memory": NewMemoryIndex(),
		"redis":  NewRedisIndex(client, 0),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := Owner{FileName: "jan.pdf", Identity: "s1/0"}
			b := Owner{FileName: "jan_copy.pdf", Identity: "s1/3"}

			first, dup, err := idx.Claim(ctx, name+"-u1", "h1", a)
			require.NoError(t, err)
			assert.False(t, dup)
			assert.Equal(t, a, first)

			first, dup, err = idx.Claim(ctx, name+"-u1", "h1", b)
			require.NoError(t, err)
			assert.True(t, dup)
			assert.Equal(t, "jan.pdf", first.FileName)

			_, dup, err = idx.Claim(ctx, name+"-u1", "h1", a)
			require.NoError(t, err)
			assert.False(t, dup, "same file claiming again is not a duplicate")

			_, dup, err = idx.Claim(ctx, name+"-u2", "h1", b)
			require.NoError(t, err)
			assert.False(t, dup, "hashes are per user")
		})
	}
}
