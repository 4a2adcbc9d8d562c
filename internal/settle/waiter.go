// Package settle watches for the keeper's asynchronous rent/collateral
// refund after a close and reclaims sponsor-advanced dust once it lands.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/veliapay/sponsor/backend/internal/orchestrator"
)

type BalanceReader interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

type WaiterConfig struct {
	PollInterval time.Duration
	MaxWait      time.Duration
}

// Waiter polls an owner balance for the off-chain keeper's settlement
// refund. Timing out is a warning, never a failure: the closing
// transaction itself already succeeded.
type Waiter struct {
	reader BalanceReader
	cfg    WaiterConfig
	logger *slog.Logger
}

func NewWaiter(reader BalanceReader, cfg WaiterConfig, logger *slog.Logger) *Waiter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 45 * time.Second
	}
	return &Waiter{reader: reader, cfg: cfg, logger: logger}
}

type WaitOutcome struct {
	Settled      bool
	TimedOut     bool
	FinalBalance uint64
}

// AwaitRefund waits for the owner balance to rise by at least
// expectedMinRefund over the baseline, or to simply exceed the sweep
// eligibility ceiling. A ceiling hit is confirmed by a second read one
// interval later to avoid racing a still-settling balance.
func (w *Waiter) AwaitRefund(
	ctx context.Context,
	owner solana.PublicKey,
	baseline uint64,
	expectedMinRefund uint64,
	eligibilityCeiling uint64,
) (WaitOutcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.MaxWait)
	defer cancel()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	pendingCeilingHit := false
	lastBalance := baseline

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return WaitOutcome{}, ctx.Err()
			}
			w.logger.Warn("settlement wait timed out",
				"owner", owner,
				"baseline", baseline,
				"last_balance", lastBalance,
			)
			return WaitOutcome{TimedOut: true, FinalBalance: lastBalance}, nil
		case <-ticker.C:
			balance, err := w.reader.Balance(waitCtx, owner)
			if err != nil {
				w.logger.Debug("settlement balance read failed", "owner", owner, "err", err)
				continue
			}
			lastBalance = balance

			if expectedMinRefund > 0 && balance >= baseline+expectedMinRefund {
				return WaitOutcome{Settled: true, FinalBalance: balance}, nil
			}
			if balance > eligibilityCeiling {
				if pendingCeilingHit {
					return WaitOutcome{Settled: true, FinalBalance: balance}, nil
				}
				pendingCeilingHit = true
				continue
			}
			pendingCeilingHit = false
		}
	}
}

// SweepBackend is the server pair for a reclaim: build the sweep, then send
// the owner-signed result.
type SweepBackend interface {
	BuildSweep(ctx context.Context, ownerAddress string, keepLamports uint64) (SweepBuild, error)
	Send(ctx context.Context, transactionBase64 string) (string, error)
}

// SweepBuild mirrors the sweep endpoint contract: a nil transaction with a
// reason is a successful "nothing to do".
type SweepBuild struct {
	TransactionBase64 *string
	Reason            string
}

type SweepSigner interface {
	SignTransaction(ctx context.Context, transactionBase64 string) (string, error)
}

type ReconcilerConfig struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	KeepLamports uint64
}

// Reconciler runs the dust sweep with its own small bounded retry loop,
// deliberately separate from the main orchestrator's retry policy.
type Reconciler struct {
	backend SweepBackend
	signer  SweepSigner
	cfg     ReconcilerConfig
	logger  *slog.Logger
}

func NewReconciler(backend SweepBackend, signer SweepSigner, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Reconciler{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		logger:  logger,
	}
}

type SweepOutcome struct {
	Swept     bool
	Skipped   bool
	Reason    string
	Signature string
}

// Reconcile reclaims the excess above the dust floor. A user declining the
// sweep prompt is "skipped", not a failure of the parent operation.
func (r *Reconciler) Reconcile(ctx context.Context, ownerAddress string) (SweepOutcome, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return SweepOutcome{}, ctx.Err()
			case <-time.After(r.cfg.RetryBackoff):
			}
		}

		outcome, err := r.attempt(ctx, ownerAddress)
		if err == nil {
			return outcome, nil
		}
		if errors.Is(err, orchestrator.ErrUserDeclined) {
			r.logger.Info("sweep declined by user, skipping", "owner", ownerAddress)
			return SweepOutcome{Skipped: true, Reason: "USER_DECLINED"}, nil
		}
		// every retry rebuilds from a fresh balance and blockhash, so any
		// failure short of a decline is worth another bounded attempt
		lastErr = err
		r.logger.Warn("sweep attempt failed", "owner", ownerAddress, "attempt", attempt+1, "err", err)
	}
	return SweepOutcome{}, fmt.Errorf("sweep exhausted %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

func (r *Reconciler) attempt(ctx context.Context, ownerAddress string) (SweepOutcome, error) {
	built, err := r.backend.BuildSweep(ctx, ownerAddress, r.cfg.KeepLamports)
	if err != nil {
		return SweepOutcome{}, fmt.Errorf("build sweep: %w", err)
	}
	if built.TransactionBase64 == nil {
		return SweepOutcome{Skipped: true, Reason: built.Reason}, nil
	}

	signed, err := r.signer.SignTransaction(ctx, *built.TransactionBase64)
	if err != nil {
		return SweepOutcome{}, err
	}

	signature, err := r.backend.Send(ctx, signed)
	if err != nil {
		return SweepOutcome{}, fmt.Errorf("send sweep: %w", err)
	}

	r.logger.Info("dust sweep sent", "owner", ownerAddress, "signature", signature)
	return SweepOutcome{Swept: true, Reason: built.Reason, Signature: signature}, nil
}
