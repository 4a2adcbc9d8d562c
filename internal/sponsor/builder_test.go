package sponsor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veliapay/sponsor/backend/internal/perps"
)

type fakeReader struct {
	mu          sync.Mutex
	blockhash   solana.Hash
	balances    map[solana.PublicKey]uint64
	exists      map[solana.PublicKey]bool
	accountData map[solana.PublicKey][]byte
	blockhashErr error
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		blockhash:   solana.HashFromBytes(bytes.Repeat([]byte{7}, 32)),
		balances:    map[solana.PublicKey]uint64{},
		exists:      map[solana.PublicKey]bool{},
		accountData: map[solana.PublicKey][]byte{},
	}
}

func (f *fakeReader) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockhashErr != nil {
		return Blockhash{}, f.blockhashErr
	}
	return Blockhash{Hash: f.blockhash, LastValidBlockHeight: 1000}, nil
}

func (f *fakeReader) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[account], nil
}

func (f *fakeReader) AccountsExist(ctx context.Context, accounts []solana.PublicKey) ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(accounts))
	for i, account := range accounts {
		out[i] = f.exists[account]
	}
	return out, nil
}

func (f *fakeReader) AccountData(ctx context.Context, account solana.PublicKey) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.accountData[account]
	return data, ok, nil
}

type builderFixture struct {
	builder *Builder
	reader  *fakeReader
	cfg     BuilderConfig
	market  perps.Market
	owner   *solana.Wallet
}

func newBuilderFixture(t *testing.T, policy FeePolicy) *builderFixture {
	t.Helper()

	market := perps.Market{
		Symbol:   "SOL-PERP",
		Custody:  solana.NewWallet().PublicKey(),
		Oracle:   solana.NewWallet().PublicKey(),
		Mint:     solana.NewWallet().PublicKey(),
		Decimals: 9,
	}
	markets, err := perps.NewMarketSet([]perps.Market{market})
	require.NoError(t, err)

	cfg := BuilderConfig{
		ProgramID:          solana.NewWallet().PublicKey(),
		Pool:               solana.NewWallet().PublicKey(),
		Perpetuals:         solana.NewWallet().PublicKey(),
		CollateralCustody:  solana.NewWallet().PublicKey(),
		CollateralMint:     solana.NewWallet().PublicKey(),
		CollateralDecimals: 6,
		Sponsor:            solana.NewWallet().PublicKey(),
	}

	reader := newFakeReader()
	owner := solana.NewWallet()
	reader.balances[owner.PublicKey()] = 20_000_000
	reader.balances[cfg.Sponsor] = LamportsPerSol

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &builderFixture{
		builder: NewBuilder(cfg, policy, reader, markets, logger),
		reader:  reader,
		cfg:     cfg,
		market:  market,
		owner:   owner,
	}
}

func validOpenRequest(fx *builderFixture) OpenRequest {
	return OpenRequest{
		OwnerAddress:    fx.owner.PublicKey().String(),
		Symbol:          "SOL-PERP",
		Side:            "long",
		CollateralUnits: 1_000_000,
		Leverage:        perps.LeverageFraction{Num: 15, Den: 10},
		SlippageBps:     500,
	}
}

func decodeTx(t *testing.T, encoded string) *solana.Transaction {
	t.Helper()
	tx, err := solana.TransactionFromBase64(encoded)
	require.NoError(t, err)
	return tx
}

func TestBuildOpenAssemblesSponsoredTransaction(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())

	result, err := fx.builder.BuildOpen(context.Background(), validOpenRequest(fx))
	require.NoError(t, err)

	tx := decodeTx(t, result.TransactionBase64)
	assert.Equal(t, fx.cfg.Sponsor, tx.Message.AccountKeys[0], "sponsor must be the fee payer")
	assert.NotEqual(t, solana.Hash{}, tx.Message.RecentBlockhash)
	assert.Equal(t, uint64(1000), result.LastValidBlockHeight)

	// cu limit, cu price, funding-account create, domain request; a funded
	// owner gets no top-up leg
	assert.Len(t, tx.Message.Instructions, 4)
	assert.Zero(t, result.Meta.Economics.TopUpLamports)
	assert.Equal(t, uint64(1_500_000), result.Meta.SizeUsdDelta)
	assert.NotEmpty(t, result.Meta.PositionAddress)
	assert.NotEmpty(t, result.Meta.RequestAddress)
}

func TestBuildOpenPositionAddressIsDeterministic(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())

	first, err := fx.builder.BuildOpen(context.Background(), validOpenRequest(fx))
	require.NoError(t, err)
	second, err := fx.builder.BuildOpen(context.Background(), validOpenRequest(fx))
	require.NoError(t, err)

	assert.Equal(t, first.Meta.PositionAddress, second.Meta.PositionAddress)
	// request addresses are nonce-keyed, so rebuilds never collide
	assert.NotEqual(t, first.Meta.RequestAddress, second.Meta.RequestAddress)
}

func TestBuildOpenTopsUpEmptyWallet(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())
	fx.reader.balances[fx.owner.PublicKey()] = 0

	result, err := fx.builder.BuildOpen(context.Background(), validOpenRequest(fx))
	require.NoError(t, err)

	expectedTopUp := RentTokenAccount + RentPositionRequest + testPolicy().DustFloor + testPolicy().SafetyBuffer
	assert.Equal(t, expectedTopUp, result.Meta.Economics.TopUpLamports)

	tx := decodeTx(t, result.TransactionBase64)
	assert.Len(t, tx.Message.Instructions, 5, "top-up leg must be present")
}

func TestBuildOpenValidation(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())

	cases := []struct {
		name     string
		mutate   func(*OpenRequest)
		expected string
	}{
		{"bad owner", func(r *OpenRequest) { r.OwnerAddress = "not-base58!" }, CodeInvalidArgument},
		{"unknown symbol", func(r *OpenRequest) { r.Symbol = "DOGE-PERP" }, CodeUnknownSymbol},
		{"bad side", func(r *OpenRequest) { r.Side = "sideways" }, CodeInvalidSide},
		{"zero collateral", func(r *OpenRequest) { r.CollateralUnits = 0 }, CodeInvalidAmount},
		{"zero slippage", func(r *OpenRequest) { r.SlippageBps = 0 }, CodeInvalidSlippage},
		{"slippage above max", func(r *OpenRequest) { r.SlippageBps = 10_001 }, CodeInvalidSlippage},
		{"sub-1x leverage", func(r *OpenRequest) { r.Leverage = perps.LeverageFraction{Num: 1, Den: 2} }, CodeInvalidAmount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validOpenRequest(fx)
			tc.mutate(&req)

			_, err := fx.builder.BuildOpen(context.Background(), req)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.expected, apiErr.Code)
			assert.Equal(t, StageValidate, apiErr.Stage)
		})
	}
}

func TestBuildOpenFailsClosedOnTopUpCeiling(t *testing.T) {
	policy := testPolicy()
	policy.AbsoluteMaxTopUp = 1_000_000
	fx := newBuilderFixture(t, policy)
	fx.reader.balances[fx.owner.PublicKey()] = 0

	_, err := fx.builder.BuildOpen(context.Background(), validOpenRequest(fx))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeTopUpCeilingExceeded, apiErr.Code)
}

func TestBuildOpenRejectsUnderfundedSponsor(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())
	fx.reader.balances[fx.cfg.Sponsor] = 0

	_, err := fx.builder.BuildOpen(context.Background(), validOpenRequest(fx))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeSponsorUnderfunded, apiErr.Code)
}

func (fx *builderFixture) seedPosition(t *testing.T, side perps.Side, state perps.PositionAccount) solana.PublicKey {
	t.Helper()
	position, _, err := perps.DerivePositionPDA(
		fx.cfg.ProgramID, fx.cfg.Pool, fx.owner.PublicKey(),
		fx.market.Custody, fx.cfg.CollateralCustody, side,
	)
	require.NoError(t, err)

	buf := new(bytes.Buffer)
	disc := sha256.Sum256([]byte("account:Position"))
	buf.Write(disc[:8])
	require.NoError(t, bin.NewBorshEncoder(buf).Encode(state))
	fx.reader.accountData[position] = buf.Bytes()
	return position
}

func TestBuildCloseEntirePosition(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())
	position := fx.seedPosition(t, perps.SideLong, perps.PositionAccount{
		SizeUsd: 5_000_000,
		Price:   100_000_000,
	})

	result, err := fx.builder.BuildClose(context.Background(), CloseRequest{
		OwnerAddress:   fx.owner.PublicKey().String(),
		Symbol:         "SOL-PERP",
		Side:           "long",
		SlippageBps:    500,
		EntirePosition: true,
	})
	require.NoError(t, err)

	assert.Equal(t, position.String(), result.Meta.PositionAddress)
	assert.Equal(t, RentPositionRequest, result.Meta.ExpectedRefundLamport)

	tx := decodeTx(t, result.TransactionBase64)
	assert.Equal(t, fx.cfg.Sponsor, tx.Message.AccountKeys[0])
}

// closeSlippageBound pulls the encoded acceptable-price bound out of the
// domain instruction (offset 25, after disc+size+collateral+side).
func closeSlippageBound(t *testing.T, result *BuildResult) uint64 {
	t.Helper()
	tx := decodeTx(t, result.TransactionBase64)
	data := tx.Message.Instructions[len(tx.Message.Instructions)-1].Data
	require.GreaterOrEqual(t, len(data), 33)
	return binary.LittleEndian.Uint64(data[25:33])
}

func TestBuildCloseSlippageBoundFollowsSide(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())
	fx.seedPosition(t, perps.SideLong, perps.PositionAccount{SizeUsd: 5_000_000, Price: 100_000_000})
	fx.seedPosition(t, perps.SideShort, perps.PositionAccount{SizeUsd: 5_000_000, Price: 100_000_000})

	closeReq := func(side string) CloseRequest {
		return CloseRequest{
			OwnerAddress:   fx.owner.PublicKey().String(),
			Symbol:         "SOL-PERP",
			Side:           side,
			SlippageBps:    500,
			EntirePosition: true,
		}
	}

	long, err := fx.builder.BuildClose(context.Background(), closeReq("long"))
	require.NoError(t, err)
	// selling out of a long tolerates the price falling to 95%
	assert.Equal(t, uint64(95_000_000), closeSlippageBound(t, long))

	short, err := fx.builder.BuildClose(context.Background(), closeReq("short"))
	require.NoError(t, err)
	// buying back a short tolerates the price rising to 105%
	assert.Equal(t, uint64(105_000_000), closeSlippageBound(t, short))
}

func TestBuildCloseRejections(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())

	// no position account on chain
	_, err := fx.builder.BuildClose(context.Background(), CloseRequest{
		OwnerAddress: fx.owner.PublicKey().String(),
		Symbol:       "SOL-PERP",
		Side:         "long",
		SizeUsdDelta: 1,
		SlippageBps:  500,
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidArgument, apiErr.Code)

	fx.seedPosition(t, perps.SideLong, perps.PositionAccount{SizeUsd: 5_000_000, Price: 100_000_000})

	// partial close larger than the open size
	_, err = fx.builder.BuildClose(context.Background(), CloseRequest{
		OwnerAddress: fx.owner.PublicKey().String(),
		Symbol:       "SOL-PERP",
		Side:         "long",
		SizeUsdDelta: 5_000_001,
		SlippageBps:  500,
	})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidAmount, apiErr.Code)

	// zero delta without the entire flag
	_, err = fx.builder.BuildClose(context.Background(), CloseRequest{
		OwnerAddress: fx.owner.PublicKey().String(),
		Symbol:       "SOL-PERP",
		Side:         "long",
		SlippageBps:  500,
	})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidAmount, apiErr.Code)
}

func TestBuildCloseRejectsFlatPosition(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())
	fx.seedPosition(t, perps.SideShort, perps.PositionAccount{SizeUsd: 0, Price: 100_000_000})

	_, err := fx.builder.BuildClose(context.Background(), CloseRequest{
		OwnerAddress:   fx.owner.PublicKey().String(),
		Symbol:         "SOL-PERP",
		Side:           "short",
		SlippageBps:    500,
		EntirePosition: true,
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidArgument, apiErr.Code)
}

func TestBuildTransferPlain(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())
	destination := solana.NewWallet().PublicKey()

	result, err := fx.builder.BuildTransfer(context.Background(), fx.owner.PublicKey().String(), destination.String(), 250_000, nil)
	require.NoError(t, err)

	tx := decodeTx(t, result.TransactionBase64)
	assert.Equal(t, fx.cfg.Sponsor, tx.Message.AccountKeys[0])
	// cu limit, cu price, destination ATA create, transfer_checked
	assert.Len(t, tx.Message.Instructions, 4)
}

func TestBuildTransferRejectsZeroAmount(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())

	_, err := fx.builder.BuildTransfer(context.Background(), fx.owner.PublicKey().String(), solana.NewWallet().PublicKey().String(), 0, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidAmount, apiErr.Code)
}

func TestBuildSweep(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())

	// 20 SOL-millis of dust above the floor: sweepable
	result, err := fx.builder.BuildSweep(context.Background(), fx.owner.PublicKey().String(), 0)
	require.NoError(t, err)
	require.NotNil(t, result.TransactionBase64)
	assert.Equal(t, SweepReasonBuilt, result.Meta.Reason)
	assert.Equal(t, uint64(19_100_000), result.Meta.ExcessLamports)

	tx := decodeTx(t, *result.TransactionBase64)
	assert.Equal(t, fx.cfg.Sponsor, tx.Message.AccountKeys[0], "sponsor pays the sweep fee")

	// at the floor: a successful null build, not an error
	fx.reader.balances[fx.owner.PublicKey()] = 1_000_000
	result, err = fx.builder.BuildSweep(context.Background(), fx.owner.PublicKey().String(), 0)
	require.NoError(t, err)
	assert.Nil(t, result.TransactionBase64)
	assert.Equal(t, SweepReasonNothingToSweep, result.Meta.Reason)
	assert.Equal(t, uint64(1_000_000), result.Meta.OwnerBalance)
}

func TestBuildSweepBelowMinimum(t *testing.T) {
	policy := testPolicy()
	policy.MinSweepLamports = 500_000
	fx := newBuilderFixture(t, policy)
	fx.reader.balances[fx.owner.PublicKey()] = 1_200_000

	result, err := fx.builder.BuildSweep(context.Background(), fx.owner.PublicKey().String(), 0)
	require.NoError(t, err)
	assert.Nil(t, result.TransactionBase64)
	assert.Equal(t, SweepReasonBelowMinimum, result.Meta.Reason)
}

func TestBuildOpenSurfacesBlockhashFailure(t *testing.T) {
	fx := newBuilderFixture(t, testPolicy())
	fx.reader.blockhashErr = errors.New("rpc unavailable")

	_, err := fx.builder.BuildOpen(context.Background(), validOpenRequest(fx))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInternal, apiErr.Code)
	assert.Equal(t, StageBuild, apiErr.Stage)
}
