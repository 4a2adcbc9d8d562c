package perps

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Side is the direction of a leveraged position. The numeric values are the
// on-chain side tags and must not change.
type Side uint8

const (
	SideLong  Side = 1
	SideShort Side = 2
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

func ParseSide(raw string) (Side, error) {
	switch raw {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	default:
		return 0, fmt.Errorf("invalid side %q (expected long|short)", raw)
	}
}

// RequestKind distinguishes the two position mutation intents. The numeric
// values are the on-chain request tags.
type RequestKind uint8

const (
	RequestIncrease RequestKind = 1
	RequestDecrease RequestKind = 2
)

func (k RequestKind) String() string {
	switch k {
	case RequestIncrease:
		return "increase"
	case RequestDecrease:
		return "decrease"
	default:
		return fmt.Sprintf("request(%d)", uint8(k))
	}
}

// DerivePositionPDA computes the deterministic address of the single
// position an owner may hold per (pool, custody, collateralCustody, side)
// tuple. Same inputs always yield the same address.
func DerivePositionPDA(
	programID solana.PublicKey,
	pool solana.PublicKey,
	owner solana.PublicKey,
	custody solana.PublicKey,
	collateralCustody solana.PublicKey,
	side Side,
) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		[]byte("position"),
		owner.Bytes(),
		pool.Bytes(),
		custody.Bytes(),
		collateralCustody.Bytes(),
		{uint8(side)},
	}, programID)
}

// DerivePositionRequestPDA computes the address of an ephemeral mutation
// request keyed by (position, nonce, kind). Nonce collisions are tolerated,
// not handled: the 64-bit space makes them vanishingly unlikely and a
// collision only costs one rejected build.
func DerivePositionRequestPDA(
	programID solana.PublicKey,
	position solana.PublicKey,
	nonce uint64,
	kind RequestKind,
) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		[]byte("position_request"),
		position.Bytes(),
		u64LE(nonce),
		{uint8(kind)},
	}, programID)
}

func MustDerivePositionPDA(
	programID solana.PublicKey,
	pool solana.PublicKey,
	owner solana.PublicKey,
	custody solana.PublicKey,
	collateralCustody solana.PublicKey,
	side Side,
) solana.PublicKey {
	pk, _, err := DerivePositionPDA(programID, pool, owner, custody, collateralCustody, side)
	if err != nil {
		panic(fmt.Errorf("derive position PDA: %w", err))
	}
	return pk
}

func U64LEToBytes(value uint64) []byte {
	return u64LE(value)
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
