package sponsor

import (
	"context"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"

	"github.com/veliapay/sponsor/backend/internal/perps"
)

type SweepMeta struct {
	Reason         string `json:"reason"`
	OwnerBalance   uint64 `json:"ownerBalance"`
	ExcessLamports uint64 `json:"excessLamports,omitempty"`
}

// SweepResult with a nil transaction and a reason is a successful response,
// not an error.
type SweepResult struct {
	TransactionBase64    *string   `json:"transactionBase64"`
	RecentBlockhash      string    `json:"recentBlockhash,omitempty"`
	LastValidBlockHeight uint64    `json:"lastValidBlockHeight,omitempty"`
	Meta                 SweepMeta `json:"meta"`
}

// BuildSweep builds a minimal owner-to-sponsor transfer reclaiming
// sponsor-advanced lamports above the dust floor. The sponsor pays the fee,
// so the swept wallet lands at keep ± tolerance instead of losing the fee.
func (b *Builder) BuildSweep(ctx context.Context, ownerAddress string, keepLamports uint64) (*SweepResult, error) {
	owner, err := solana.PublicKeyFromBase58(ownerAddress)
	if err != nil {
		return nil, validationError(CodeInvalidArgument, "Invalid owner address.")
	}

	balance, err := b.reader.Balance(ctx, owner)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageSweep, "Could not read owner balance.", err)
	}

	excess, reason := b.policy.SweepableExcess(balance, keepLamports)
	if excess == 0 {
		return &SweepResult{
			TransactionBase64: nil,
			Meta:              SweepMeta{Reason: reason, OwnerBalance: balance},
		}, nil
	}

	instructions := make([]solana.Instruction, 0, 3)
	if b.policy.ComputeUnitLimit > 0 {
		limitIx, buildErr := computebudget.NewSetComputeUnitLimitInstruction(b.policy.ComputeUnitLimit).ValidateAndBuild()
		if buildErr != nil {
			return nil, NewAPIError(CodeInternal, StageSweep, "Could not build compute budget.", buildErr)
		}
		instructions = append(instructions, limitIx)
	}
	if b.policy.ComputeUnitPriceMicroLamports > 0 {
		priceIx, buildErr := computebudget.NewSetComputeUnitPriceInstruction(b.policy.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if buildErr != nil {
			return nil, NewAPIError(CodeInternal, StageSweep, "Could not build compute budget.", buildErr)
		}
		instructions = append(instructions, priceIx)
	}
	instructions = append(instructions, perps.NewLamportTransferInstruction(owner, b.cfg.Sponsor, excess))

	recent, err := b.reader.LatestBlockhash(ctx)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageSweep, "Could not fetch a recent blockhash.", err)
	}

	tx, err := solana.NewTransaction(instructions, recent.Hash, solana.TransactionPayer(b.cfg.Sponsor))
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageSweep, "Could not compile sweep transaction.", err)
	}
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageSweep, "Could not serialize sweep transaction.", err)
	}

	return &SweepResult{
		TransactionBase64:    &encoded,
		RecentBlockhash:      recent.Hash.String(),
		LastValidBlockHeight: recent.LastValidBlockHeight,
		Meta: SweepMeta{
			Reason:         reason,
			OwnerBalance:   balance,
			ExcessLamports: excess,
		},
	}, nil
}
