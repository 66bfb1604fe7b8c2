package escrow

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCustodyInstructionIsIdempotentVariant(t *testing.T) {
	payer, owner, mint := repeatedKey(0xC1), repeatedKey(0xA1), repeatedKey(0xB1)
	ix, err := NewCreateCustodyInstruction(payer, owner, mint)
	require.NoError(t, err)

	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, ix.ProgramID())
	data, err := ix.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, data)

	metas := ix.Accounts()
	require.Len(t, metas, 6)
	assert.True(t, metas[0].PublicKey.Equals(payer))
	assert.True(t, metas[0].IsSigner && metas[0].IsWritable)
	assert.True(t, metas[1].PublicKey.Equals(MustDeriveCustodyAddress(owner, mint)))
	assert.True(t, metas[1].IsWritable)
	assert.True(t, metas[2].PublicKey.Equals(owner))
	assert.True(t, metas[3].PublicKey.Equals(mint))
	assert.True(t, metas[4].PublicKey.Equals(solana.SystemProgramID))
	assert.True(t, metas[5].PublicKey.Equals(solana.TokenProgramID))
}
