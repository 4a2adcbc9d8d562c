package sponsor

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/veliapay/sponsor/backend/internal/perps"
)

// Rent-exempt minimums for the fixed-size accounts this engine creates.
// These are network-invariant for a given account size, so they are
// compile-time constants rather than per-call RPC lookups.
const (
	LamportsPerSol = uint64(1_000_000_000)

	RentSystemAccount   = uint64(890_880)
	RentTokenAccount    = uint64(2_039_280)
	RentPositionRequest = uint64(3_143_520)

	microLamportsPerLamport = uint64(1_000_000)
)

var (
	ErrTopUpCeiling       = errors.New("top-up exceeds absolute ceiling")
	ErrSponsorUnderfunded = errors.New("sponsor balance cannot cover build")
)

// FeePolicy holds the fixed lamport economics of sponsorship. One policy is
// constructed at process start and shared read-only.
type FeePolicy struct {
	MinWalletFloor   uint64
	DustFloor        uint64
	DustTolerance    uint64
	SafetyBuffer     uint64
	AbsoluteMaxTopUp uint64
	BaseFeeBuffer    uint64
	MinSweepLamports uint64

	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
}

// AccountNeed is one account the domain instruction writes to, with its
// current existence and the rent it costs to create.
type AccountNeed struct {
	Address solana.PublicKey
	Exists  bool
	Rent    uint64
}

// Snapshot is the point-in-time chain state the economics are computed
// over. It is read immediately before use; no cross-request locking is
// attempted and the hard top-up ceiling bounds the blast radius of two
// sponsor-funded builds racing on the sponsor balance.
type Snapshot struct {
	OwnerBalance   uint64
	SponsorBalance uint64
	Accounts       []AccountNeed
}

// Economics is the computed sponsorship ledger for one build. It is never
// persisted as state; rows written to the audit ledger are a record, not a
// source of truth.
type Economics struct {
	MissingAccountRent uint64 `json:"missingAccountRent"`
	TopUpLamports      uint64 `json:"topUpLamports"`
	PriorityFeeBudget  uint64 `json:"priorityFeeBudget"`
	SponsorRequired    uint64 `json:"sponsorRequired"`
}

// Compute derives the sponsorship economics for a snapshot. Fails closed:
// a top-up above the ceiling is rejected, never clamped, because a clamped
// top-up would under-fund the transaction and fail on-chain instead of
// failing cleanly here.
func (p FeePolicy) Compute(snap Snapshot) (Economics, error) {
	var missingRent uint64
	for _, need := range snap.Accounts {
		if need.Exists {
			continue
		}
		missingRent += need.Rent
	}

	target := missingRent + p.DustFloor
	if p.MinWalletFloor > target {
		target = p.MinWalletFloor
	}
	target += p.SafetyBuffer

	var topUp uint64
	if target > snap.OwnerBalance {
		topUp = target - snap.OwnerBalance
	}
	if topUp > p.AbsoluteMaxTopUp {
		return Economics{}, fmt.Errorf("%w: need %d lamports, ceiling %d", ErrTopUpCeiling, topUp, p.AbsoluteMaxTopUp)
	}

	priorityFee, err := perps.MulDivCeil(uint64(p.ComputeUnitLimit), p.ComputeUnitPriceMicroLamports, microLamportsPerLamport)
	if err != nil {
		return Economics{}, fmt.Errorf("priority fee budget: %w", err)
	}

	required := topUp + missingRent + priorityFee + p.BaseFeeBuffer
	if snap.SponsorBalance <= required {
		return Economics{}, fmt.Errorf("%w: have %d lamports, need > %d", ErrSponsorUnderfunded, snap.SponsorBalance, required)
	}

	return Economics{
		MissingAccountRent: missingRent,
		TopUpLamports:      topUp,
		PriorityFeeBudget:  priorityFee,
		SponsorRequired:    required,
	}, nil
}

// SweepEligibilityCeiling is the balance above which a wallet holds
// sponsor-advanced funds worth reclaiming.
func (p FeePolicy) SweepEligibilityCeiling() uint64 {
	return p.DustFloor + p.DustTolerance
}

// SweepableExcess decides whether an owner balance carries reclaimable
// sponsor lamports. A zero excess with a reason is a successful outcome,
// not an error.
func (p FeePolicy) SweepableExcess(ownerBalance uint64, keepLamports uint64) (uint64, string) {
	keep := keepLamports
	if keep < p.DustFloor {
		keep = p.DustFloor
	}
	if ownerBalance <= keep+p.DustTolerance {
		return 0, SweepReasonNothingToSweep
	}
	excess := ownerBalance - keep
	if excess < p.MinSweepLamports {
		return 0, SweepReasonBelowMinimum
	}
	return excess, SweepReasonBuilt
}
