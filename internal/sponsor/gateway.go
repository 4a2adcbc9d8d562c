package sponsor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
)

// CosignClient is the custody/signing collaborator: one typed contract at
// the boundary, adapted once at the edge.
type CosignClient interface {
	Cosign(ctx context.Context, transactionBase64 string) (string, error)
}

// LedgerRecorder receives the broadcast outcome. The blockhash links the
// signature back to the pending build row holding the computed economics.
// Recording is best-effort; a ledger failure never fails the user's
// operation.
type LedgerRecorder interface {
	RecordOperation(ctx context.Context, signature, owner, blockhash string, confirmed bool) error
}

// Gateway drives received → validated → cosigned → simulated → broadcast →
// confirmed|timeout for user-signed transactions.
type Gateway struct {
	reader         ChainReader
	caster         Broadcaster
	custody        CosignClient
	ledger         LedgerRecorder
	sponsorKey     solana.PublicKey
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
}

func NewGateway(
	reader ChainReader,
	caster Broadcaster,
	custody CosignClient,
	ledger LedgerRecorder,
	sponsorKey solana.PublicKey,
	confirmTimeout time.Duration,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		reader:         reader,
		caster:         caster,
		custody:        custody,
		ledger:         ledger,
		sponsorKey:     sponsorKey,
		confirmTimeout: confirmTimeout,
		pollInterval:   700 * time.Millisecond,
		logger:         logger,
	}
}

type SendResult struct {
	Signature         string   `json:"signature"`
	Confirmed         bool     `json:"confirmed"`
	OwnerBalanceAfter *uint64  `json:"ownerBalanceAfter,omitempty"`
	Logs              []string `json:"logs,omitempty"`
}

// Send co-signs, simulates, broadcasts and best-effort confirms a
// user-signed transaction.
func (g *Gateway) Send(ctx context.Context, transactionBase64 string) (*SendResult, error) {
	tx, err := solana.TransactionFromBase64(transactionBase64)
	if err != nil {
		return nil, validationError(CodeInvalidArgument, "Transaction payload is not valid.")
	}

	owner, err := g.validateSignedEnvelope(tx, false)
	if err != nil {
		return nil, err
	}

	cosignedBase64, err := g.custody.Cosign(ctx, transactionBase64)
	if err != nil {
		return nil, NewAPIError(CodeCustodyUnavailable, StageCosign, "Signing service is unavailable. Please try again.", err)
	}
	cosigned, err := solana.TransactionFromBase64(cosignedBase64)
	if err != nil {
		return nil, NewAPIError(CodeCustodyUnavailable, StageCosign, "Signing service returned a malformed transaction.", err)
	}

	// Never trust the collaborator's return value: re-parse and re-check
	// every required signer slot before broadcasting.
	if _, err := g.validateSignedEnvelope(cosigned, true); err != nil {
		return nil, err
	}

	if simErr := g.simulate(ctx, cosigned); simErr != nil {
		return nil, simErr
	}

	sig, err := g.caster.Broadcast(ctx, cosigned)
	if err != nil {
		return nil, ClassifyBroadcastError(err)
	}
	g.logger.Info("transaction broadcast", "signature", sig, "owner", owner)

	result := &SendResult{Signature: sig.String()}
	result.Confirmed = g.awaitConfirmation(ctx, sig)

	if balance, balErr := g.reader.Balance(ctx, owner); balErr == nil {
		result.OwnerBalanceAfter = &balance
	}

	if g.ledger != nil {
		blockhash := cosigned.Message.RecentBlockhash.String()
		if recErr := g.ledger.RecordOperation(ctx, result.Signature, owner.String(), blockhash, result.Confirmed); recErr != nil {
			g.logger.Warn("ledger record failed", "signature", result.Signature, "err", recErr)
		}
	}

	return result, nil
}

// validateSignedEnvelope re-checks the envelope invariants independent of
// the builder: sponsor fee payer, live blockhash, and non-zero signature
// slots. A slot of all-zero bytes means "not yet signed" and is rejected.
// Before co-signing only the user slots must be filled; after co-signing
// every required slot must be.
func (g *Gateway) validateSignedEnvelope(tx *solana.Transaction, requireAll bool) (solana.PublicKey, error) {
	numRequired := int(tx.Message.Header.NumRequiredSignatures)
	if numRequired == 0 || len(tx.Message.AccountKeys) < numRequired {
		return solana.PublicKey{}, validationError(CodeInvalidArgument, "Transaction has no required signers.")
	}

	feePayer := tx.Message.AccountKeys[0]
	if !feePayer.Equals(g.sponsorKey) {
		return solana.PublicKey{}, &APIError{
			Code:        CodeFeePayerMismatch,
			Err:         fmt.Sprintf("fee payer %s is not the sponsor", feePayer),
			UserMessage: "This transaction was not built by the sponsor.",
			Stage:       StageValidate,
		}
	}

	if tx.Message.RecentBlockhash == (solana.Hash{}) {
		return solana.PublicKey{}, validationError(CodeInvalidArgument, "Transaction carries a placeholder blockhash.")
	}

	if len(tx.Signatures) != numRequired {
		return solana.PublicKey{}, &APIError{
			Code:        CodeMissingSignature,
			Err:         fmt.Sprintf("signature count %d does not match required %d", len(tx.Signatures), numRequired),
			UserMessage: "Transaction is missing signatures.",
			Stage:       StageValidate,
		}
	}

	owner := solana.PublicKey{}
	for i := 0; i < numRequired; i++ {
		signer := tx.Message.AccountKeys[i]
		signed := tx.Signatures[i] != (solana.Signature{})
		if signer.Equals(g.sponsorKey) {
			if requireAll && !signed {
				return solana.PublicKey{}, &APIError{
					Code:        CodeMissingSignature,
					Err:         "sponsor signature slot is empty after co-sign",
					UserMessage: "Transaction is missing signatures.",
					Stage:       StageCosign,
				}
			}
			continue
		}
		if !signed {
			return solana.PublicKey{}, &APIError{
				Code:        CodeMissingSignature,
				Err:         fmt.Sprintf("required signer %s has an empty signature slot", signer),
				UserMessage: "Transaction has not been signed by the owner.",
				Stage:       StageValidate,
			}
		}
		if owner == (solana.PublicKey{}) {
			owner = signer
		}
	}
	if owner == (solana.PublicKey{}) {
		return solana.PublicKey{}, &APIError{
			Code:        CodeMissingSignature,
			Err:         "no user signer present besides the sponsor",
			UserMessage: "Transaction has not been signed by the owner.",
			Stage:       StageValidate,
		}
	}

	return owner, nil
}

// simulate aborts only when the simulation executed and the program
// reported an error; a simulation that could not run (network hiccup) must
// not block a legitimate broadcast.
func (g *Gateway) simulate(ctx context.Context, tx *solana.Transaction) *APIError {
	sim, err := g.caster.Simulate(ctx, tx)
	if err != nil {
		g.logger.Warn("simulation unavailable, proceeding to broadcast", "err", err)
		return nil
	}
	if sim.ProgramErr == "" {
		return nil
	}
	classified := ClassifyBroadcastError(fmt.Errorf("simulation: %s", sim.ProgramErr))
	if classified.Code == CodeBroadcastFailed {
		classified.Code = CodeSimulationFailed
	}
	classified.Stage = StageSimulate
	classified.Details = map[string]any{"logs": sim.Logs}
	return classified
}

// awaitConfirmation polls bounded by the confirm timeout. Timing out is not
// a failure; confirmation is advisory once the signature is out.
func (g *Gateway) awaitConfirmation(ctx context.Context, sig solana.Signature) bool {
	confirmCtx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-confirmCtx.Done():
			g.logger.Warn("confirmation timed out", "signature", sig)
			return false
		case <-ticker.C:
			status, err := g.caster.SignatureStatus(confirmCtx, sig)
			if err != nil {
				continue
			}
			if status.Failed {
				g.logger.Warn("transaction failed on chain", "signature", sig, "err", status.Err)
				return false
			}
			if status.Confirmed {
				return true
			}
		}
	}
}
