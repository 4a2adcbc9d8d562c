package sponsor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"

	"github.com/veliapay/sponsor/backend/internal/perps"
)

const maxSlippageBps = uint64(10_000)

// BuilderConfig pins the identities the builder works against. Everything
// here is fixed at process start.
type BuilderConfig struct {
	ProgramID          solana.PublicKey
	Pool               solana.PublicKey
	Perpetuals         solana.PublicKey
	CollateralCustody  solana.PublicKey
	CollateralMint     solana.PublicKey
	CollateralDecimals uint8
	Sponsor            solana.PublicKey
	SponsorFeeLamports uint64
}

// Builder assembles unsigned sponsor-funded transactions. It never signs
// and never persists; every build re-derives addresses and re-reads chain
// state.
type Builder struct {
	cfg     BuilderConfig
	policy  FeePolicy
	reader  ChainReader
	markets *perps.MarketSet
	logger  *slog.Logger
}

func NewBuilder(cfg BuilderConfig, policy FeePolicy, reader ChainReader, markets *perps.MarketSet, logger *slog.Logger) *Builder {
	return &Builder{
		cfg:     cfg,
		policy:  policy,
		reader:  reader,
		markets: markets,
		logger:  logger,
	}
}

// OpenRequest is a validated-on-entry open/increase build request.
type OpenRequest struct {
	OwnerAddress    string
	Symbol          string
	Side            string
	CollateralUnits uint64
	Leverage        perps.LeverageFraction
	SlippageBps     uint64
	MinOut          *uint64
}

// CloseRequest is a close/decrease build request. EntirePosition overrides
// any caller-supplied deltas.
type CloseRequest struct {
	OwnerAddress    string
	Symbol          string
	Side            string
	SizeUsdDelta    uint64
	CollateralDelta uint64
	SlippageBps     uint64
	EntirePosition  bool
}

// BuildMeta is the computed economics echoed back to the caller.
type BuildMeta struct {
	Economics             Economics `json:"economics"`
	PositionAddress       string    `json:"positionAddress"`
	RequestAddress        string    `json:"requestAddress"`
	Nonce                 uint64    `json:"nonce"`
	SizeUsdDelta          uint64    `json:"sizeUsdDelta"`
	ExpectedRefundLamport uint64    `json:"expectedRefundLamports,omitempty"`
}

type BuildResult struct {
	TransactionBase64    string    `json:"transactionBase64"`
	RecentBlockhash      string    `json:"recentBlockhash"`
	LastValidBlockHeight uint64    `json:"lastValidBlockHeight"`
	Meta                 BuildMeta `json:"meta"`
}

// BuildOpen validates, snapshots and assembles an open/increase
// transaction. Validation failures are rejected before any network call.
func (b *Builder) BuildOpen(ctx context.Context, req OpenRequest) (*BuildResult, error) {
	owner, err := solana.PublicKeyFromBase58(req.OwnerAddress)
	if err != nil {
		return nil, validationError(CodeInvalidArgument, "Invalid owner address.")
	}
	market, ok := b.markets.Lookup(req.Symbol)
	if !ok {
		return nil, validationError(CodeUnknownSymbol, fmt.Sprintf("Unknown market %q.", req.Symbol))
	}
	side, err := perps.ParseSide(req.Side)
	if err != nil {
		return nil, validationError(CodeInvalidSide, "Side must be long or short.")
	}
	if req.CollateralUnits == 0 {
		return nil, validationError(CodeInvalidAmount, "Amount must be greater than zero.")
	}
	if req.SlippageBps == 0 || req.SlippageBps > maxSlippageBps {
		return nil, validationError(CodeInvalidSlippage, "Slippage must be between 1 and 10000 bps.")
	}
	if err := req.Leverage.Validate(); err != nil {
		return nil, validationError(CodeInvalidAmount, "Leverage must be at least 1x.")
	}

	sizeUsdDelta, err := req.Leverage.Apply(req.CollateralUnits)
	if err != nil {
		return nil, validationError(CodeInvalidAmount, "Position size overflows.")
	}

	position, _, err := perps.DerivePositionPDA(b.cfg.ProgramID, b.cfg.Pool, owner, market.Custody, b.cfg.CollateralCustody, side)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageBuild, "Could not derive position address.", err)
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageBuild, "Could not generate request nonce.", err)
	}
	request, _, err := perps.DerivePositionRequestPDA(b.cfg.ProgramID, position, nonce, perps.RequestIncrease)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageBuild, "Could not derive request address.", err)
	}
	fundingAccount, _, err := solana.FindAssociatedTokenAddress(owner, b.cfg.CollateralMint)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageBuild, "Could not derive funding account.", err)
	}

	needs := []AccountNeed{
		{Address: fundingAccount, Rent: RentTokenAccount},
		{Address: request, Rent: RentPositionRequest},
	}
	snap, err := readSnapshot(ctx, b.reader, owner, b.cfg.Sponsor, needs)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageSnapshot, "Could not read chain state.", err)
	}
	economics, err := b.checkedEconomics(snap)
	if err != nil {
		return nil, err
	}

	slippageCeiling, err := perps.MulDivCeil(sizeUsdDelta, maxSlippageBps+req.SlippageBps, maxSlippageBps)
	if err != nil {
		return nil, validationError(CodeInvalidAmount, "Slippage ceiling overflows.")
	}

	domainIx := perps.NewIncreaseRequestInstruction(b.cfg.ProgramID, perps.RequestAccounts{
		Owner:             owner,
		FundingAccount:    fundingAccount,
		Perpetuals:        b.cfg.Perpetuals,
		Pool:              b.cfg.Pool,
		Position:          position,
		PositionRequest:   request,
		Custody:           market.Custody,
		CustodyOracle:     market.Oracle,
		CollateralCustody: b.cfg.CollateralCustody,
		InputMint:         b.cfg.CollateralMint,
	}, perps.IncreaseRequestArgs{
		SizeUsdDelta:    sizeUsdDelta,
		CollateralDelta: req.CollateralUnits,
		Side:            side,
		PriceSlippage:   slippageCeiling,
		MinOut:          req.MinOut,
		Nonce:           nonce,
	})

	result, err := b.assemble(ctx, owner, snap, economics, domainIx)
	if err != nil {
		return nil, err
	}
	result.Meta.PositionAddress = position.String()
	result.Meta.RequestAddress = request.String()
	result.Meta.Nonce = nonce
	result.Meta.SizeUsdDelta = sizeUsdDelta
	return result, nil
}

// BuildClose validates against current on-chain position state and
// assembles a close/decrease transaction.
func (b *Builder) BuildClose(ctx context.Context, req CloseRequest) (*BuildResult, error) {
	owner, err := solana.PublicKeyFromBase58(req.OwnerAddress)
	if err != nil {
		return nil, validationError(CodeInvalidArgument, "Invalid owner address.")
	}
	market, ok := b.markets.Lookup(req.Symbol)
	if !ok {
		return nil, validationError(CodeUnknownSymbol, fmt.Sprintf("Unknown market %q.", req.Symbol))
	}
	side, err := perps.ParseSide(req.Side)
	if err != nil {
		return nil, validationError(CodeInvalidSide, "Side must be long or short.")
	}
	if !req.EntirePosition && req.SizeUsdDelta == 0 {
		return nil, validationError(CodeInvalidAmount, "Amount must be greater than zero unless closing the entire position.")
	}
	if req.SlippageBps == 0 || req.SlippageBps > maxSlippageBps {
		return nil, validationError(CodeInvalidSlippage, "Slippage must be between 1 and 10000 bps.")
	}

	position, _, err := perps.DerivePositionPDA(b.cfg.ProgramID, b.cfg.Pool, owner, market.Custody, b.cfg.CollateralCustody, side)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageBuild, "Could not derive position address.", err)
	}

	data, exists, err := b.reader.AccountData(ctx, position)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageSnapshot, "Could not read position state.", err)
	}
	if !exists {
		return nil, validationError(CodeInvalidArgument, "No open position for this market and side.")
	}
	state, err := perps.ParsePositionAccount(data)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageSnapshot, "Could not decode position state.", err)
	}
	if !state.Open() {
		return nil, validationError(CodeInvalidArgument, "No open position for this market and side.")
	}
	if !req.EntirePosition && req.SizeUsdDelta > state.SizeUsd {
		return nil, validationError(CodeInvalidAmount, "Decrease exceeds open position size.")
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageBuild, "Could not generate request nonce.", err)
	}
	request, _, err := perps.DerivePositionRequestPDA(b.cfg.ProgramID, position, nonce, perps.RequestDecrease)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageBuild, "Could not derive request address.", err)
	}
	receivingAccount, _, err := solana.FindAssociatedTokenAddress(owner, b.cfg.CollateralMint)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageBuild, "Could not derive receiving account.", err)
	}

	needs := []AccountNeed{
		{Address: receivingAccount, Rent: RentTokenAccount},
		{Address: request, Rent: RentPositionRequest},
	}
	snap, err := readSnapshot(ctx, b.reader, owner, b.cfg.Sponsor, needs)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageSnapshot, "Could not read chain state.", err)
	}
	economics, err := b.checkedEconomics(snap)
	if err != nil {
		return nil, err
	}

	// The adverse move for a closing long is downward, for a closing short
	// upward, so the acceptable-price bound flips with the side.
	var priceBound uint64
	if side == perps.SideLong {
		priceBound, err = perps.MulDivFloor(state.Price, maxSlippageBps-req.SlippageBps, maxSlippageBps)
	} else {
		priceBound, err = perps.MulDivCeil(state.Price, maxSlippageBps+req.SlippageBps, maxSlippageBps)
	}
	if err != nil {
		return nil, validationError(CodeInvalidAmount, "Slippage bound overflows.")
	}

	entire := req.EntirePosition
	domainIx := perps.NewDecreaseRequestInstruction(b.cfg.ProgramID, perps.RequestAccounts{
		Owner:             owner,
		FundingAccount:    receivingAccount,
		Perpetuals:        b.cfg.Perpetuals,
		Pool:              b.cfg.Pool,
		Position:          position,
		PositionRequest:   request,
		Custody:           market.Custody,
		CustodyOracle:     market.Oracle,
		CollateralCustody: b.cfg.CollateralCustody,
		InputMint:         b.cfg.CollateralMint,
	}, perps.DecreaseRequestArgs{
		SizeUsdDelta:    req.SizeUsdDelta,
		CollateralDelta: req.CollateralDelta,
		Side:            side,
		PriceSlippage:   priceBound,
		EntirePosition:  &entire,
		Nonce:           nonce,
	})

	result, err := b.assemble(ctx, owner, snap, economics, domainIx)
	if err != nil {
		return nil, err
	}
	result.Meta.PositionAddress = position.String()
	result.Meta.RequestAddress = request.String()
	result.Meta.Nonce = nonce
	// the keeper refunds the request account rent off the critical path
	result.Meta.ExpectedRefundLamport = RentPositionRequest
	return result, nil
}

// BuildTransfer assembles a sponsor-funded value transfer (user to user, or
// the swap-output leg routed by the swap collaborator).
func (b *Builder) BuildTransfer(ctx context.Context, ownerAddress, destinationAddress string, amountUnits uint64, domainIxs []solana.Instruction) (*BuildResult, error) {
	owner, err := solana.PublicKeyFromBase58(ownerAddress)
	if err != nil {
		return nil, validationError(CodeInvalidArgument, "Invalid owner address.")
	}
	if amountUnits == 0 && len(domainIxs) == 0 {
		return nil, validationError(CodeInvalidAmount, "Amount must be greater than zero.")
	}

	var instructions []solana.Instruction
	needs := []AccountNeed{}
	if len(domainIxs) > 0 {
		instructions = domainIxs
	} else {
		destination, err := solana.PublicKeyFromBase58(destinationAddress)
		if err != nil {
			return nil, validationError(CodeInvalidArgument, "Invalid destination address.")
		}
		sourceATA, _, err := solana.FindAssociatedTokenAddress(owner, b.cfg.CollateralMint)
		if err != nil {
			return nil, NewAPIError(CodeInternal, StageBuild, "Could not derive source account.", err)
		}
		destinationATA, _, err := solana.FindAssociatedTokenAddress(destination, b.cfg.CollateralMint)
		if err != nil {
			return nil, NewAPIError(CodeInternal, StageBuild, "Could not derive destination account.", err)
		}
		createIx, err := perps.NewCreateATAIdempotentInstruction(b.cfg.Sponsor, destination, b.cfg.CollateralMint)
		if err != nil {
			return nil, NewAPIError(CodeInternal, StageBuild, "Could not build account creation.", err)
		}
		transferIx, err := perps.NewTokenTransferInstruction(sourceATA, b.cfg.CollateralMint, destinationATA, owner, amountUnits, b.cfg.CollateralDecimals)
		if err != nil {
			return nil, NewAPIError(CodeInternal, StageBuild, "Could not build transfer.", err)
		}
		instructions = []solana.Instruction{createIx, transferIx}
		needs = append(needs, AccountNeed{Address: destinationATA, Rent: RentTokenAccount})
	}

	snap, err := readSnapshot(ctx, b.reader, owner, b.cfg.Sponsor, needs)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageSnapshot, "Could not read chain state.", err)
	}
	economics, err := b.checkedEconomics(snap)
	if err != nil {
		return nil, err
	}

	return b.assemble(ctx, owner, snap, economics, instructions...)
}

func (b *Builder) checkedEconomics(snap Snapshot) (Economics, error) {
	economics, err := b.policy.Compute(snap)
	if err != nil {
		switch {
		case errors.Is(err, ErrTopUpCeiling):
			return Economics{}, &APIError{
				Code:        CodeTopUpCeilingExceeded,
				Err:         err.Error(),
				UserMessage: "This operation needs more sponsorship than allowed.",
				Stage:       StageValidate,
			}
		case errors.Is(err, ErrSponsorUnderfunded):
			return Economics{}, &APIError{
				Code:        CodeSponsorUnderfunded,
				Err:         err.Error(),
				UserMessage: "The fee sponsor is temporarily unavailable. Please try again later.",
				Stage:       StageValidate,
			}
		default:
			return Economics{}, NewAPIError(CodeInternal, StageValidate, "Could not compute sponsorship economics.", err)
		}
	}
	return economics, nil
}

// assemble builds the final instruction list in fixed order: compute-unit
// limit, compute-unit price, conditional top-up, idempotent creations, the
// domain instructions, then fee collection. The blockhash is fetched
// immediately before compiling to minimize the staleness window.
func (b *Builder) assemble(
	ctx context.Context,
	owner solana.PublicKey,
	snap Snapshot,
	economics Economics,
	domainIxs ...solana.Instruction,
) (*BuildResult, error) {
	instructions := make([]solana.Instruction, 0, len(domainIxs)+5)

	// limit before price so downstream fee estimators see the limit first
	if b.policy.ComputeUnitLimit > 0 {
		limitIx, err := computebudget.NewSetComputeUnitLimitInstruction(b.policy.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, NewAPIError(CodeInternal, StageBuild, "Could not build compute budget.", err)
		}
		instructions = append(instructions, limitIx)
	}
	if b.policy.ComputeUnitPriceMicroLamports > 0 {
		priceIx, err := computebudget.NewSetComputeUnitPriceInstruction(b.policy.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, NewAPIError(CodeInternal, StageBuild, "Could not build compute budget.", err)
		}
		instructions = append(instructions, priceIx)
	}

	if economics.TopUpLamports > 0 {
		instructions = append(instructions, perps.NewLamportTransferInstruction(b.cfg.Sponsor, owner, economics.TopUpLamports))
	}

	for _, need := range snap.Accounts {
		if need.Exists || need.Rent != RentTokenAccount {
			continue
		}
		wallet, mint, ok := b.ataParts(owner, need.Address)
		if !ok {
			continue
		}
		createIx, err := perps.NewCreateATAIdempotentInstruction(b.cfg.Sponsor, wallet, mint)
		if err != nil {
			return nil, NewAPIError(CodeInternal, StageBuild, "Could not build account creation.", err)
		}
		instructions = append(instructions, createIx)
	}

	instructions = append(instructions, domainIxs...)

	if b.cfg.SponsorFeeLamports > 0 {
		instructions = append(instructions, perps.NewLamportTransferInstruction(owner, b.cfg.Sponsor, b.cfg.SponsorFeeLamports))
	}

	recent, err := b.reader.LatestBlockhash(ctx)
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageBuild, "Could not fetch a recent blockhash.", err)
	}

	tx, err := solana.NewTransaction(instructions, recent.Hash, solana.TransactionPayer(b.cfg.Sponsor))
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageBuild, "Could not compile transaction.", err)
	}

	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, NewAPIError(CodeInternal, StageBuild, "Could not serialize transaction.", err)
	}

	b.logger.Debug("transaction assembled",
		"owner", owner,
		"instructions", len(instructions),
		"top_up", economics.TopUpLamports,
		"missing_rent", economics.MissingAccountRent,
		"last_valid_block_height", recent.LastValidBlockHeight,
	)

	return &BuildResult{
		TransactionBase64:    encoded,
		RecentBlockhash:      recent.Hash.String(),
		LastValidBlockHeight: recent.LastValidBlockHeight,
		Meta:                 BuildMeta{Economics: economics},
	}, nil
}

// ataParts recovers (wallet, mint) for a needed associated token account so
// the idempotent create can be emitted. Only the owner's collateral ATA is
// ever in the needs list today.
func (b *Builder) ataParts(owner solana.PublicKey, address solana.PublicKey) (solana.PublicKey, solana.PublicKey, bool) {
	expected, _, err := solana.FindAssociatedTokenAddress(owner, b.cfg.CollateralMint)
	if err == nil && expected.Equals(address) {
		return owner, b.cfg.CollateralMint, true
	}
	return solana.PublicKey{}, solana.PublicKey{}, false
}

func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read random nonce: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
