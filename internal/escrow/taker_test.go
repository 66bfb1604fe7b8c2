package escrow

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaker(t *testing.T) {
	open := OpenTaker()
	assert.True(t, open.IsOpen())
	assert.True(t, open.Allows(repeatedKey(7)))
	assert.True(t, open.Wire().IsZero())
	assert.Equal(t, "open", open.String())

	_, err := RestrictedTo(solana.PublicKey{})
	require.ErrorIs(t, err, ErrPrecondition)

	b := repeatedKey(0xC1)
	restricted, err := RestrictedTo(b)
	require.NoError(t, err)
	assert.False(t, restricted.IsOpen())
	assert.True(t, restricted.Allows(b))
	assert.False(t, restricted.Allows(repeatedKey(0xC2)))
	key, ok := restricted.Restricted()
	assert.True(t, ok)
	assert.Equal(t, b, key)

	assert.True(t, TakerFromWire(solana.PublicKey{}).Equal(open))
	assert.True(t, TakerFromWire(b).Equal(restricted))
	assert.False(t, restricted.Equal(open))
}

func TestParseTaker(t *testing.T) {
	for _, raw := range []string{"", "open", "any"} {
		taker, err := ParseTaker(raw)
		require.NoError(t, err)
		assert.True(t, taker.IsOpen())
	}

	b := repeatedKey(0xC1)
	taker, err := ParseTaker(b.String())
	require.NoError(t, err)
	assert.True(t, taker.Allows(b))

	_, err = ParseTaker(solana.PublicKey{}.String())
	require.ErrorIs(t, err, ErrPrecondition)

	_, err = ParseTaker("not-a-key")
	require.Error(t, err)
}
