// Package orchestrator sequences build → sign → send from the client side
// and surfaces typed progress to the caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/veliapay/sponsor/backend/internal/sponsor"
)

var (
	// ErrBusy rejects re-entry. Concurrent operations are rejected, not
	// queued: a second in-flight build would reference a blockhash the
	// first one is about to consume or invalidate.
	ErrBusy = errors.New("an operation is already in flight")

	// ErrUserDeclined terminates the flow without marking it a system
	// error; the caller returns to its prior state silently.
	ErrUserDeclined = errors.New("signing declined by user")
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBuilding
	PhaseSigning
	PhaseSending
	PhaseConfirming
	PhaseDone
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBuilding:
		return "building"
	case PhaseSigning:
		return "signing"
	case PhaseSending:
		return "sending"
	case PhaseConfirming:
		return "confirming"
	case PhaseDone:
		return "done"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Backend is a server pair pre-bound to one operation: Build assembles the
// unsigned transaction, Send co-signs and broadcasts the signed one.
type Backend interface {
	Build(ctx context.Context) (*sponsor.BuildResult, error)
	Send(ctx context.Context, transactionBase64 string) (*sponsor.SendResult, error)
}

// Signer is the user's wallet. A declined prompt must be reported as
// ErrUserDeclined (possibly wrapped); any other failure is a system error.
type Signer interface {
	SignTransaction(ctx context.Context, transactionBase64 string) (string, error)
}

type Progress struct {
	Phase     Phase
	Signature string
	Err       error
}

type Result struct {
	Signature         string
	Confirmed         bool
	OwnerBalanceAfter *uint64
}

type Orchestrator struct {
	backend      Backend
	signer       Signer
	logger       *slog.Logger
	onProgress   func(Progress)
	staleBackoff time.Duration

	busy atomic.Bool
}

type Option func(*Orchestrator)

func WithProgress(fn func(Progress)) Option {
	return func(o *Orchestrator) { o.onProgress = fn }
}

func WithStaleBackoff(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleBackoff = d }
}

func New(backend Backend, signer Signer, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:      backend,
		signer:       signer,
		logger:       logger,
		staleBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives one operation end to end. Single-flight per instance: a call
// while another is in flight returns ErrBusy immediately. A successful send
// returns as soon as the signature is known; confirmation is advisory.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer o.busy.Store(false)

	// One automatic retry covers a blockhash going stale between build
	// and send. Everything else surfaces on the first failure.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, o.fail(ctx.Err())
			case <-time.After(o.staleBackoff):
			}
			o.logger.Info("retrying with a fresh blockhash")
		}

		result, err := o.runOnce(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrUserDeclined) {
			// terminal but silent: not a system error
			o.emit(Progress{Phase: PhaseIdle})
			return nil, ErrUserDeclined
		}
		if sponsor.IsStaleBlockhash(err) && attempt == 0 {
			lastErr = err
			continue
		}
		return nil, o.fail(err)
	}
	return nil, o.fail(lastErr)
}

func (o *Orchestrator) runOnce(ctx context.Context) (*Result, error) {
	o.emit(Progress{Phase: PhaseBuilding})
	built, err := o.backend.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	o.emit(Progress{Phase: PhaseSigning})
	signed, err := o.signer.SignTransaction(ctx, built.TransactionBase64)
	if err != nil {
		if errors.Is(err, ErrUserDeclined) {
			return nil, ErrUserDeclined
		}
		return nil, fmt.Errorf("sign: %w", err)
	}

	o.emit(Progress{Phase: PhaseSending})
	sent, err := o.backend.Send(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	o.emit(Progress{Phase: PhaseConfirming, Signature: sent.Signature})
	result := &Result{
		Signature:         sent.Signature,
		Confirmed:         sent.Confirmed,
		OwnerBalanceAfter: sent.OwnerBalanceAfter,
	}
	o.emit(Progress{Phase: PhaseDone, Signature: sent.Signature})
	return result, nil
}

func (o *Orchestrator) fail(err error) error {
	o.emit(Progress{Phase: PhaseError, Err: err})
	return err
}

func (o *Orchestrator) emit(p Progress) {
	if o.onProgress != nil {
		o.onProgress(p)
	}
}
