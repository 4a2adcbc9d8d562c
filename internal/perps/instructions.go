package perps

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Instruction discriminators for the external perpetuals program. Computed
// once at package init, never in a request path.
var (
	createIncreaseRequestDisc = anchorInstructionDiscriminator("create_increase_position_request")
	createDecreaseRequestDisc = anchorInstructionDiscriminator("create_decrease_position_request")
)

func anchorInstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// RequestAccounts is the account list shared by the increase and decrease
// request instructions. The order must match the program's expected schema
// exactly; reordering breaks the call.
type RequestAccounts struct {
	Owner             solana.PublicKey
	FundingAccount    solana.PublicKey
	Perpetuals        solana.PublicKey
	Pool              solana.PublicKey
	Position          solana.PublicKey
	PositionRequest   solana.PublicKey
	Custody           solana.PublicKey
	CustodyOracle     solana.PublicKey
	CollateralCustody solana.PublicKey
	InputMint         solana.PublicKey
}

func (a RequestAccounts) metas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Owner, true, true),
		solana.NewAccountMeta(a.FundingAccount, true, false),
		solana.NewAccountMeta(a.Perpetuals, false, false),
		solana.NewAccountMeta(a.Pool, true, false),
		solana.NewAccountMeta(a.Position, true, false),
		solana.NewAccountMeta(a.PositionRequest, true, false),
		solana.NewAccountMeta(a.Custody, true, false),
		solana.NewAccountMeta(a.CustodyOracle, false, false),
		solana.NewAccountMeta(a.CollateralCustody, true, false),
		solana.NewAccountMeta(a.InputMint, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
}

// IncreaseRequestArgs carries the payload of an open/increase request.
// All amounts are unsigned integers in the asset's smallest unit.
type IncreaseRequestArgs struct {
	SizeUsdDelta    uint64
	CollateralDelta uint64
	Side            Side
	PriceSlippage   uint64
	MinOut          *uint64
	Nonce           uint64
}

// DecreaseRequestArgs carries the payload of a close/decrease request. When
// EntirePosition is set true the encoded deltas are forced to zero no matter
// what the caller supplied.
type DecreaseRequestArgs struct {
	SizeUsdDelta    uint64
	CollateralDelta uint64
	Side            Side
	PriceSlippage   uint64
	MinOut          *uint64
	EntirePosition  *bool
	Nonce           uint64
}

func NewIncreaseRequestInstruction(programID solana.PublicKey, accounts RequestAccounts, args IncreaseRequestArgs) solana.Instruction {
	data := make([]byte, 0, 8+8+8+1+8+9+8)
	data = append(data, createIncreaseRequestDisc[:]...)
	data = appendU64(data, args.SizeUsdDelta)
	data = appendU64(data, args.CollateralDelta)
	data = append(data, uint8(args.Side))
	data = appendU64(data, args.PriceSlippage)
	data = appendOptionU64(data, args.MinOut)
	data = appendU64(data, args.Nonce)

	return solana.NewInstruction(programID, accounts.metas(), data)
}

func NewDecreaseRequestInstruction(programID solana.PublicKey, accounts RequestAccounts, args DecreaseRequestArgs) solana.Instruction {
	sizeDelta := args.SizeUsdDelta
	collateralDelta := args.CollateralDelta
	if args.EntirePosition != nil && *args.EntirePosition {
		sizeDelta = 0
		collateralDelta = 0
	}

	data := make([]byte, 0, 8+8+8+1+8+9+2+8)
	data = append(data, createDecreaseRequestDisc[:]...)
	data = appendU64(data, sizeDelta)
	data = appendU64(data, collateralDelta)
	data = append(data, uint8(args.Side))
	data = appendU64(data, args.PriceSlippage)
	data = appendOptionU64(data, args.MinOut)
	data = appendOptionBool(data, args.EntirePosition)
	data = appendU64(data, args.Nonce)

	return solana.NewInstruction(programID, accounts.metas(), data)
}

func appendU64(data []byte, value uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return append(data, buf[:]...)
}

func appendOptionU64(data []byte, value *uint64) []byte {
	if value == nil {
		return append(data, 0)
	}
	data = append(data, 1)
	return appendU64(data, *value)
}

func appendOptionBool(data []byte, value *bool) []byte {
	if value == nil {
		return append(data, 0)
	}
	data = append(data, 1)
	if *value {
		return append(data, 1)
	}
	return append(data, 0)
}
