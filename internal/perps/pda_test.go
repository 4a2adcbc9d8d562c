package perps

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePositionPDADeterministic(t *testing.T) {
	programID := solana.NewWallet().PublicKey()
	pool := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	custody := solana.NewWallet().PublicKey()
	collateralCustody := solana.NewWallet().PublicKey()

	first, firstBump, err := DerivePositionPDA(programID, pool, owner, custody, collateralCustody, SideLong)
	require.NoError(t, err)
	second, secondBump, err := DerivePositionPDA(programID, pool, owner, custody, collateralCustody, SideLong)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstBump, secondBump)

	short, _, err := DerivePositionPDA(programID, pool, owner, custody, collateralCustody, SideShort)
	require.NoError(t, err)
	assert.NotEqual(t, first, short)

	otherOwner := solana.NewWallet().PublicKey()
	other, _, err := DerivePositionPDA(programID, pool, otherOwner, custody, collateralCustody, SideLong)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestDerivePositionRequestPDAKeying(t *testing.T) {
	programID := solana.NewWallet().PublicKey()
	position := solana.NewWallet().PublicKey()

	base, _, err := DerivePositionRequestPDA(programID, position, 42, RequestIncrease)
	require.NoError(t, err)

	same, _, err := DerivePositionRequestPDA(programID, position, 42, RequestIncrease)
	require.NoError(t, err)
	assert.Equal(t, base, same)

	otherNonce, _, err := DerivePositionRequestPDA(programID, position, 43, RequestIncrease)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherNonce)

	otherKind, _, err := DerivePositionRequestPDA(programID, position, 42, RequestDecrease)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherKind)
}

func TestParseSide(t *testing.T) {
	side, err := ParseSide("long")
	require.NoError(t, err)
	assert.Equal(t, SideLong, side)

	side, err = ParseSide("short")
	require.NoError(t, err)
	assert.Equal(t, SideShort, side)

	for _, raw := range []string{"", "Long", "buy", "sell"} {
		_, err := ParseSide(raw)
		assert.Error(t, err, "side %q should be rejected", raw)
	}
}

func TestSideAndKindTags(t *testing.T) {
	assert.Equal(t, uint8(1), uint8(SideLong))
	assert.Equal(t, uint8(2), uint8(SideShort))
	assert.Equal(t, uint8(1), uint8(RequestIncrease))
	assert.Equal(t, uint8(2), uint8(RequestDecrease))
}
