package sweeper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veliapay/sponsor/backend/internal/config"
	"github.com/veliapay/sponsor/backend/internal/settle"
	"github.com/veliapay/sponsor/backend/internal/sponsor"
)

type fakeWorklist struct {
	owners      []string
	gotLimit    int
	gotAttempts int
	attempts    map[string]int
	swept       []string
}

func newFakeWorklist(owners ...string) *fakeWorklist {
	return &fakeWorklist{owners: owners, attempts: make(map[string]int)}
}

func (f *fakeWorklist) UnsweptOwners(ctx context.Context, limit, maxAttempts int) ([]string, error) {
	f.gotLimit = limit
	f.gotAttempts = maxAttempts
	return f.owners, nil
}

func (f *fakeWorklist) RecordSweepAttempt(ctx context.Context, owner string) error {
	f.attempts[owner]++
	return nil
}

func (f *fakeWorklist) MarkOwnerSwept(ctx context.Context, owner string) error {
	f.swept = append(f.swept, owner)
	return nil
}

func (f *fakeWorklist) Close() error { return nil }

// flatBalance reports the same lamport balance on every read.
type flatBalance struct {
	lamports uint64
}

func (f flatBalance) Balance(ctx context.Context, _ solana.PublicKey) (uint64, error) {
	return f.lamports, nil
}

// reclaimBackend builds sweeps against a fixed owner balance using the real
// excess rule, so the amounts the service would move are checkable.
type reclaimBackend struct {
	policy  sponsor.FeePolicy
	balance uint64
	sendErr error
	built   []uint64
	sent    []string
}

func (b *reclaimBackend) BuildSweep(ctx context.Context, ownerAddress string, keepLamports uint64) (settle.SweepBuild, error) {
	b.built = append(b.built, keepLamports)
	excess, reason := b.policy.SweepableExcess(b.balance, keepLamports)
	if excess == 0 {
		return settle.SweepBuild{Reason: reason}, nil
	}
	tx := fmt.Sprintf("sweep:%s:%d", ownerAddress, excess)
	return settle.SweepBuild{TransactionBase64: &tx, Reason: reason}, nil
}

func (b *reclaimBackend) Send(ctx context.Context, transactionBase64 string) (string, error) {
	if b.sendErr != nil {
		return "", b.sendErr
	}
	b.sent = append(b.sent, transactionBase64)
	return "sweep-signature-" + strconv.Itoa(len(b.sent)), nil
}

type passSigner struct{}

func (passSigner) SignTransaction(ctx context.Context, transactionBase64 string) (string, error) {
	return transactionBase64, nil
}

func testPolicy() sponsor.FeePolicy {
	return sponsor.FeePolicy{
		MinWalletFloor:   1_000_000,
		DustFloor:        900_000,
		DustTolerance:    200_000,
		SafetyBuffer:     100_000,
		MinSweepLamports: 100_000,
	}
}

func testOwner(seed byte) string {
	return solana.PublicKeyFromBytes(bytes.Repeat([]byte{seed}, 32)).String()
}

func sweeperFixture(store worklistStore, reader settle.BalanceReader, backend settle.SweepBackend) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Service{
		cfg: config.SweeperConfig{
			MaxOwnersPerTick:  5,
			SettleMaxAttempts: 4,
			SweepMaxAttempts:  2,
			SweepBackoff:      time.Millisecond,
		},
		logger: logger,
		store:  store,
		waiter: settle.NewWaiter(reader, settle.WaiterConfig{
			PollInterval: 2 * time.Millisecond,
			MaxWait:      40 * time.Millisecond,
		}, logger),
		backend:   backend,
		signerFor: func(string) settle.SweepSigner { return passSigner{} },
		policy:    testPolicy(),
	}
}

// An owner holding 0.02 SOL after the keeper refund lands gets the excess
// above the dust floor swept and leaves the worklist, with the remainder
// inside the tolerated band around the wallet floor.
func TestReconcileOwnerSweepsSettledRefund(t *testing.T) {
	owner := testOwner(3)
	store := newFakeWorklist(owner)
	backend := &reclaimBackend{policy: testPolicy(), balance: 20_000_000}
	svc := sweeperFixture(store, flatBalance{lamports: 20_000_000}, backend)

	outcome, err := svc.reconcileOwner(context.Background(), owner)
	require.NoError(t, err)

	assert.True(t, outcome.Swept)
	assert.Equal(t, sponsor.SweepReasonBuilt, outcome.Reason)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, []string{owner}, store.swept)
	assert.Empty(t, store.attempts)

	excess, reason := testPolicy().SweepableExcess(20_000_000, 0)
	require.Equal(t, sponsor.SweepReasonBuilt, reason)
	remaining := 20_000_000 - excess
	assert.Contains(t, backend.sent[0], strconv.FormatUint(excess, 10))
	assert.GreaterOrEqual(t, remaining, testPolicy().MinWalletFloor-testPolicy().DustTolerance)
	assert.LessOrEqual(t, remaining, testPolicy().MinWalletFloor+testPolicy().DustTolerance)
}

// A balance parked exactly at the eligibility ceiling never settles. The
// owner must accrue an attempt so the worklist eventually ages it out,
// and it must not be marked swept.
func TestReconcileOwnerAgesOutWhenRefundNeverLands(t *testing.T) {
	owner := testOwner(5)
	store := newFakeWorklist(owner)
	backend := &reclaimBackend{policy: testPolicy(), balance: 1_100_000}
	svc := sweeperFixture(store, flatBalance{lamports: 1_100_000}, backend)

	outcome, err := svc.reconcileOwner(context.Background(), owner)
	require.NoError(t, err)

	assert.False(t, outcome.Swept)
	assert.False(t, outcome.Skipped)
	assert.Equal(t, 1, store.attempts[owner])
	assert.Empty(t, store.swept)
	assert.Empty(t, backend.built, "no sweep should be built before settlement")
}

// The balance can move between the settlement wait and the sweep build. A
// build that finds nothing left to reclaim still retires the owner.
func TestReconcileOwnerRetiresNothingToSweep(t *testing.T) {
	owner := testOwner(7)
	store := newFakeWorklist(owner)
	backend := &reclaimBackend{policy: testPolicy(), balance: 1_000_000}
	svc := sweeperFixture(store, flatBalance{lamports: 1_500_000}, backend)

	outcome, err := svc.reconcileOwner(context.Background(), owner)
	require.NoError(t, err)

	assert.True(t, outcome.Skipped)
	assert.Equal(t, sponsor.SweepReasonNothingToSweep, outcome.Reason)
	assert.Equal(t, []string{owner}, store.swept)
	assert.Empty(t, backend.sent)
}

func TestReconcileOwnerDropsUnparseableOwner(t *testing.T) {
	store := newFakeWorklist("not-a-solana-address")
	backend := &reclaimBackend{policy: testPolicy(), balance: 20_000_000}
	svc := sweeperFixture(store, flatBalance{lamports: 20_000_000}, backend)

	outcome, err := svc.reconcileOwner(context.Background(), "not-a-solana-address")
	require.NoError(t, err)

	assert.True(t, outcome.Skipped)
	assert.Equal(t, "INVALID_OWNER", outcome.Reason)
	assert.Equal(t, []string{"not-a-solana-address"}, store.swept)
	assert.Empty(t, backend.built)
}

// A sweep that exhausts its retry budget counts as an attempt so a
// persistently failing owner cannot pin the worklist.
func TestReconcileOwnerRecordsAttemptWhenSweepExhausts(t *testing.T) {
	owner := testOwner(9)
	store := newFakeWorklist(owner)
	backend := &reclaimBackend{
		policy:  testPolicy(),
		balance: 20_000_000,
		sendErr: errors.New("rpc unavailable"),
	}
	svc := sweeperFixture(store, flatBalance{lamports: 20_000_000}, backend)

	_, err := svc.reconcileOwner(context.Background(), owner)
	require.Error(t, err)

	assert.Equal(t, 1, store.attempts[owner])
	assert.Empty(t, store.swept)
}

func TestTickBoundsTheWorklistQuery(t *testing.T) {
	owner := testOwner(11)
	store := newFakeWorklist(owner)
	backend := &reclaimBackend{policy: testPolicy(), balance: 20_000_000}
	svc := sweeperFixture(store, flatBalance{lamports: 20_000_000}, backend)

	require.NoError(t, svc.tick(context.Background()))

	assert.Equal(t, svc.cfg.MaxOwnersPerTick, store.gotLimit)
	assert.Equal(t, svc.cfg.SettleMaxAttempts, store.gotAttempts)
	assert.Equal(t, []string{owner}, store.swept)
}
