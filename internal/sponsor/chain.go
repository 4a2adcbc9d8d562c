package sponsor

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/errgroup"
)

// Blockhash pairs a freshness token with the height it stays valid to, so
// callers can measure expiry.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// SimulationResult distinguishes "the simulation executed and the program
// failed" from "the simulation could not run at all" (the latter is a
// transport error on the Simulate call itself and is non-fatal).
type SimulationResult struct {
	ProgramErr string
	Logs       []string
}

type SignatureStatus struct {
	Confirmed bool
	Failed    bool
	Err       string
}

// ChainReader is the read surface of the network RPC. It exists so the
// builder and gateway are unit-testable against fakes instead of a live
// endpoint.
type ChainReader interface {
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	AccountsExist(ctx context.Context, accounts []solana.PublicKey) ([]bool, error)
	AccountData(ctx context.Context, account solana.PublicKey) ([]byte, bool, error)
}

// Broadcaster is the write surface of the network RPC.
type Broadcaster interface {
	Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error)
	Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
}

// RPCChain implements ChainReader and Broadcaster over a single rpc.Client
// constructed once at process start and passed into each component.
type RPCChain struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

func NewRPCChain(client *rpc.Client, commitment rpc.CommitmentType) *RPCChain {
	return &RPCChain{rpc: client, commitment: commitment}
}

func (c *RPCChain) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return Blockhash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	return Blockhash{
		Hash:                 recent.Value.Blockhash,
		LastValidBlockHeight: recent.Value.LastValidBlockHeight,
	}, nil
}

func (c *RPCChain) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, account, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", account, err)
	}
	return out.Value, nil
}

func (c *RPCChain) AccountsExist(ctx context.Context, accounts []solana.PublicKey) ([]bool, error) {
	if len(accounts) == 0 {
		return nil, nil
	}
	fetched, err := c.rpc.GetMultipleAccountsWithOpts(ctx, accounts, &rpc.GetMultipleAccountsOpts{Commitment: c.commitment})
	if err != nil {
		return nil, fmt.Errorf("get multiple accounts: %w", err)
	}
	if len(fetched.Value) != len(accounts) {
		return nil, fmt.Errorf("unexpected account count %d (want %d)", len(fetched.Value), len(accounts))
	}
	out := make([]bool, len(accounts))
	for i, account := range fetched.Value {
		out[i] = account != nil
	}
	return out, nil
}

func (c *RPCChain) AccountData(ctx context.Context, account solana.PublicKey) ([]byte, bool, error) {
	fetched, err := c.rpc.GetMultipleAccountsWithOpts(ctx, []solana.PublicKey{account}, &rpc.GetMultipleAccountsOpts{Commitment: c.commitment})
	if err != nil {
		return nil, false, fmt.Errorf("get account %s: %w", account, err)
	}
	if len(fetched.Value) == 0 || fetched.Value[0] == nil {
		return nil, false, nil
	}
	return fetched.Value[0].Data.GetBinary(), true, nil
}

func (c *RPCChain) Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	resp, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		Commitment: c.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("simulate transaction: %w", err)
	}
	out := &SimulationResult{}
	if resp.Value != nil {
		out.Logs = resp.Value.Logs
		if resp.Value.Err != nil {
			out.ProgramErr = fmt.Sprintf("%v", resp.Value.Err)
		}
	}
	return out, nil
}

func (c *RPCChain) Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

func (c *RPCChain) SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return SignatureStatus{}, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	status := result.Value[0]
	out := SignatureStatus{}
	if status.Err != nil {
		out.Failed = true
		out.Err = fmt.Sprintf("%v", status.Err)
		return out, nil
	}
	if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
		out.Confirmed = true
	}
	return out, nil
}

// readSnapshot issues the mutually independent pre-build reads (owner
// balance, sponsor balance, account existence) concurrently; serialized
// they would be latency-additive.
func readSnapshot(
	ctx context.Context,
	reader ChainReader,
	owner solana.PublicKey,
	sponsorKey solana.PublicKey,
	needs []AccountNeed,
) (Snapshot, error) {
	snap := Snapshot{Accounts: make([]AccountNeed, len(needs))}
	copy(snap.Accounts, needs)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		balance, err := reader.Balance(groupCtx, owner)
		if err != nil {
			return fmt.Errorf("owner balance: %w", err)
		}
		snap.OwnerBalance = balance
		return nil
	})
	group.Go(func() error {
		balance, err := reader.Balance(groupCtx, sponsorKey)
		if err != nil {
			return fmt.Errorf("sponsor balance: %w", err)
		}
		snap.SponsorBalance = balance
		return nil
	})
	if len(needs) > 0 {
		addresses := make([]solana.PublicKey, len(needs))
		for i, need := range needs {
			addresses[i] = need.Address
		}
		group.Go(func() error {
			exists, err := reader.AccountsExist(groupCtx, addresses)
			if err != nil {
				return fmt.Errorf("account existence: %w", err)
			}
			for i := range snap.Accounts {
				snap.Accounts[i].Exists = exists[i]
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
