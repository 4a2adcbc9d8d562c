// Package sweeper is the background reconciler: it walks owners with
// confirmed sponsored closes and reclaims sponsor-advanced lamports
// above the dust floor once the keeper's settlement refund lands.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/veliapay/sponsor/backend/internal/config"
	"github.com/veliapay/sponsor/backend/internal/custody"
	"github.com/veliapay/sponsor/backend/internal/ledger"
	"github.com/veliapay/sponsor/backend/internal/settle"
	"github.com/veliapay/sponsor/backend/internal/sponsor"
)

// worklistStore is the slice of the ledger the sweeper drives: owners
// still owing a reclaim, and the attempt bookkeeping that eventually
// ages a non-settling owner out of the queue.
type worklistStore interface {
	UnsweptOwners(ctx context.Context, limit, maxAttempts int) ([]string, error)
	RecordSweepAttempt(ctx context.Context, owner string) error
	MarkOwnerSwept(ctx context.Context, owner string) error
	Close() error
}

// refundWaiter blocks until the keeper's refund is observed on the owner
// balance, or the per-owner wait budget runs out.
type refundWaiter interface {
	AwaitRefund(ctx context.Context, owner solana.PublicKey, baseline, expectedMinRefund, eligibilityCeiling uint64) (settle.WaitOutcome, error)
}

type Service struct {
	cfg       config.SweeperConfig
	logger    *slog.Logger
	store     worklistStore
	waiter    refundWaiter
	backend   settle.SweepBackend
	signerFor func(owner string) settle.SweepSigner
	policy    sponsor.FeePolicy
}

func New(cfg config.SweeperConfig, logger *slog.Logger) (*Service, error) {
	store, err := ledger.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, err
	}

	chain := sponsor.NewRPCChain(rpc.New(cfg.RPCURL), cfg.Commitment)
	policy := sponsor.FeePolicy{
		MinWalletFloor:                cfg.Sponsorship.MinWalletFloor,
		DustFloor:                     cfg.Sponsorship.DustFloor,
		DustTolerance:                 cfg.Sponsorship.DustTolerance,
		SafetyBuffer:                  cfg.Sponsorship.SafetyBuffer,
		AbsoluteMaxTopUp:              cfg.Sponsorship.AbsoluteMaxTopUp,
		BaseFeeBuffer:                 cfg.Sponsorship.BaseFeeBuffer,
		MinSweepLamports:              cfg.Sponsorship.MinSweepLamports,
		ComputeUnitLimit:              cfg.Sponsorship.ComputeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.Sponsorship.ComputeUnitPriceMicroLamports,
	}

	// The sweep path never resolves market symbols, so no market set is
	// needed here.
	builder := sponsor.NewBuilder(sponsor.BuilderConfig{
		Sponsor: cfg.Sponsorship.SponsorAddress,
	}, policy, chain, nil, logger)

	sponsorCustody := custody.New(cfg.CustodyURL, cfg.Sponsorship.SponsorAddress.String(), cfg.CustodyAuthToken, cfg.CustodyTimeout)
	gateway := sponsor.NewGateway(chain, chain, sponsorCustody, store, cfg.Sponsorship.SponsorAddress, cfg.ConfirmTimeout, logger)

	waiter := settle.NewWaiter(chain, settle.WaiterConfig{
		PollInterval: cfg.SettlePoll,
		MaxWait:      cfg.SettleMaxWait,
	}, logger)

	return &Service{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		waiter:  waiter,
		backend: sweepBackend{builder: builder, gateway: gateway},
		signerFor: func(owner string) settle.SweepSigner {
			return ownerSigner{client: custody.New(cfg.CustodyURL, owner, cfg.CustodyAuthToken, cfg.CustodyTimeout)}
		},
		policy: policy,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close ledger store", "err", err)
		}
	}()

	s.logger.Info("sweeper started",
		"poll_interval", s.cfg.PollInterval.String(),
		"max_owners_per_tick", s.cfg.MaxOwnersPerTick,
		"sponsor", s.cfg.Sponsorship.SponsorAddress.String(),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("sweeper tick failed", "err", err)
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	owners, err := s.store.UnsweptOwners(ctx, s.cfg.MaxOwnersPerTick, s.cfg.SettleMaxAttempts)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		return nil
	}

	swept, skipped := 0, 0
	for _, owner := range owners {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		outcome, err := s.reconcileOwner(ctx, owner)
		switch {
		case err != nil:
			s.logger.Warn("owner reconcile failed", "owner", owner, "err", err)
		case outcome.Swept:
			swept++
		case outcome.Skipped:
			skipped++
		}
	}

	s.logger.Info("sweeper tick done", "owners", len(owners), "swept", swept, "skipped", skipped)
	return nil
}

func (s *Service) reconcileOwner(ctx context.Context, owner string) (settle.SweepOutcome, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		// Unparseable rows would otherwise be retried forever.
		s.logger.Error("dropping unsweepable owner", "owner", owner, "err", err)
		if markErr := s.store.MarkOwnerSwept(ctx, owner); markErr != nil {
			return settle.SweepOutcome{}, markErr
		}
		return settle.SweepOutcome{Skipped: true, Reason: "INVALID_OWNER"}, nil
	}

	wait, err := s.waiter.AwaitRefund(ctx, ownerKey, 0, 0, s.policy.SweepEligibilityCeiling())
	if err != nil {
		return settle.SweepOutcome{}, err
	}
	if !wait.Settled {
		// The refund has not landed. Count the attempt so an owner whose
		// balance never clears the ceiling ages out of the worklist
		// instead of consuming a full wait budget every tick forever.
		s.logger.Debug("settlement not observed yet", "owner", owner, "last_balance", wait.FinalBalance)
		if attemptErr := s.store.RecordSweepAttempt(ctx, owner); attemptErr != nil {
			return settle.SweepOutcome{}, attemptErr
		}
		return settle.SweepOutcome{}, nil
	}

	reconciler := settle.NewReconciler(
		s.backend,
		s.signerFor(owner),
		settle.ReconcilerConfig{
			MaxAttempts:  s.cfg.SweepMaxAttempts,
			RetryBackoff: s.cfg.SweepBackoff,
		},
		s.logger.With("owner", owner),
	)

	outcome, err := reconciler.Reconcile(ctx, owner)
	if err != nil {
		if attemptErr := s.store.RecordSweepAttempt(ctx, owner); attemptErr != nil {
			return settle.SweepOutcome{}, attemptErr
		}
		return settle.SweepOutcome{}, err
	}
	if err := s.store.MarkOwnerSwept(ctx, owner); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// sweepBackend adapts the in-process builder and gateway to the reconciler's
// build/send pair.
type sweepBackend struct {
	builder *sponsor.Builder
	gateway *sponsor.Gateway
}

func (b sweepBackend) BuildSweep(ctx context.Context, ownerAddress string, keepLamports uint64) (settle.SweepBuild, error) {
	result, err := b.builder.BuildSweep(ctx, ownerAddress, keepLamports)
	if err != nil {
		return settle.SweepBuild{}, err
	}
	return settle.SweepBuild{
		TransactionBase64: result.TransactionBase64,
		Reason:            result.Meta.Reason,
	}, nil
}

func (b sweepBackend) Send(ctx context.Context, transactionBase64 string) (string, error) {
	result, err := b.gateway.Send(ctx, transactionBase64)
	if err != nil {
		return "", err
	}
	return result.Signature, nil
}

// ownerSigner signs the sweep with the owner's custodial identity; the
// gateway then co-signs with the sponsor.
type ownerSigner struct {
	client *custody.Client
}

func (o ownerSigner) SignTransaction(ctx context.Context, transactionBase64 string) (string, error) {
	return o.client.Cosign(ctx, transactionBase64)
}
