package perps

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// NewLamportTransferInstruction moves native lamports between wallets. Used
// for the sponsor top-up, the sponsor-fee collection leg and the dust sweep.
func NewLamportTransferInstruction(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}

// NewTokenTransferInstruction moves SPL tokens with the mint's decimals
// checked on-chain, so a wrong-precision amount fails instead of moving the
// wrong value.
func NewTokenTransferInstruction(
	source solana.PublicKey,
	mint solana.PublicKey,
	destination solana.PublicKey,
	owner solana.PublicKey,
	amount uint64,
	decimals uint8,
) (solana.Instruction, error) {
	ix, err := token.NewTransferCheckedInstruction(
		amount,
		decimals,
		source,
		mint,
		destination,
		owner,
		nil,
	).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build transfer_checked instruction: %w", err)
	}
	return ix, nil
}

// NewCreateATAIdempotentInstruction builds the associated-token-account
// CreateIdempotent instruction (variant tag 1). Idempotent creation is used
// everywhere a build may be retried against accounts a previous attempt
// already created.
func NewCreateATAIdempotentInstruction(payer, wallet, mint solana.PublicKey) (solana.Instruction, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return nil, fmt.Errorf("derive associated token address: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(ata, true, false),
		solana.NewAccountMeta(wallet, false, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}

	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1}), nil
}
