package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/veliapay/sponsor/backend/internal/ledger"
	"github.com/veliapay/sponsor/backend/internal/perps"
	"github.com/veliapay/sponsor/backend/internal/sponsor"
	"github.com/veliapay/sponsor/backend/internal/swaprouter"
)

type buildRequest struct {
	Kind         string `json:"kind"`
	OwnerAddress string `json:"ownerAddress"`

	Symbol      string `json:"symbol,omitempty"`
	Side        string `json:"side,omitempty"`
	SlippageBps uint64 `json:"slippageBps,omitempty"`

	CollateralUnits uint64  `json:"collateralUnits,omitempty"`
	LeverageNum     uint64  `json:"leverageNum,omitempty"`
	LeverageDen     uint64  `json:"leverageDen,omitempty"`
	MinOut          *uint64 `json:"minOut,omitempty"`

	SizeUsdDelta    uint64 `json:"sizeUsdDelta,omitempty"`
	CollateralDelta uint64 `json:"collateralDelta,omitempty"`
	EntirePosition  bool   `json:"entirePosition,omitempty"`

	DestinationAddress string          `json:"destinationAddress,omitempty"`
	AmountUnits        uint64          `json:"amountUnits,omitempty"`
	SwapQuote          json.RawMessage `json:"swapQuote,omitempty"`
}

func (s *Service) handleBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request buildRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		result *sponsor.BuildResult
		err    error
	)
	kind := strings.ToLower(strings.TrimSpace(request.Kind))
	switch kind {
	case ledger.KindOpen:
		result, err = s.builder.BuildOpen(r.Context(), sponsor.OpenRequest{
			OwnerAddress:    request.OwnerAddress,
			Symbol:          request.Symbol,
			Side:            request.Side,
			CollateralUnits: request.CollateralUnits,
			Leverage:        perps.LeverageFraction{Num: request.LeverageNum, Den: request.LeverageDen},
			SlippageBps:     request.SlippageBps,
			MinOut:          request.MinOut,
		})
	case ledger.KindClose:
		result, err = s.builder.BuildClose(r.Context(), sponsor.CloseRequest{
			OwnerAddress:    request.OwnerAddress,
			Symbol:          request.Symbol,
			Side:            request.Side,
			SizeUsdDelta:    request.SizeUsdDelta,
			CollateralDelta: request.CollateralDelta,
			SlippageBps:     request.SlippageBps,
			EntirePosition:  request.EntirePosition,
		})
	case ledger.KindTransfer:
		result, err = s.buildTransfer(r, request)
	default:
		s.respondError(w, http.StatusBadRequest, "kind must be open, close, or transfer")
		return
	}
	if err != nil {
		s.logger.Warn("build failed", "kind", request.Kind, "owner", request.OwnerAddress, "err", err)
		s.respondOperationError(w, err)
		return
	}

	s.recordBuild(r.Context(), kind, request.OwnerAddress, result)
	s.respondJSON(w, http.StatusOK, result)
}

// recordBuild writes the pending audit row the gateway completes at
// broadcast time, carrying the computed economics and the real kind.
// Best-effort: a ledger failure never fails the build.
func (s *Service) recordBuild(ctx context.Context, kind, owner string, result *sponsor.BuildResult) {
	if err := s.store.Insert(ctx, pendingBuildRecord(kind, owner, result)); err != nil {
		s.logger.Warn("ledger build record failed", "kind", kind, "owner", owner, "err", err)
	}
}

// pendingBuildRecord maps a build result onto the audit row keyed by
// (owner, blockhash) until the broadcast attaches a signature.
func pendingBuildRecord(kind, owner string, result *sponsor.BuildResult) ledger.OperationRecord {
	return ledger.OperationRecord{
		Owner:          owner,
		Kind:           kind,
		Blockhash:      result.RecentBlockhash,
		TopUpLamports:  result.Meta.Economics.TopUpLamports,
		MissingRent:    result.Meta.Economics.MissingAccountRent,
		PriorityFee:    result.Meta.Economics.PriorityFeeBudget,
		ExpectedRefund: result.Meta.ExpectedRefundLamport,
	}
}

// buildTransfer routes through the swap collaborator when the caller
// attached a quote, otherwise builds a plain collateral transfer.
func (s *Service) buildTransfer(r *http.Request, request buildRequest) (*sponsor.BuildResult, error) {
	var domainIxs []solana.Instruction
	if len(request.SwapQuote) > 0 {
		owner, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.OwnerAddress))
		if err != nil {
			return nil, sponsor.NewAPIError(sponsor.CodeInvalidArgument, sponsor.StageValidate, "Invalid owner address.", err)
		}
		domainIxs, err = s.router.SwapInstructions(r.Context(), owner, request.SwapQuote)
		if err != nil {
			return nil, sponsor.NewAPIError(sponsor.CodeInternal, sponsor.StageBuild, "Could not fetch swap route.", err)
		}
	}
	return s.builder.BuildTransfer(r.Context(), request.OwnerAddress, request.DestinationAddress, request.AmountUnits, domainIxs)
}

type sendRequest struct {
	TransactionBase64 string `json:"transactionBase64"`
}

func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request sendRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(request.TransactionBase64) == "" {
		s.respondError(w, http.StatusBadRequest, "transactionBase64 is required")
		return
	}

	result, err := s.gateway.Send(r.Context(), request.TransactionBase64)
	if err != nil {
		s.logger.Warn("send failed", "err", err)
		s.respondOperationError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, result)
}

type sweepRequest struct {
	OwnerAddress string `json:"ownerAddress"`
	KeepLamports uint64 `json:"keepLamports,omitempty"`
}

func (s *Service) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request sweepRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.builder.BuildSweep(r.Context(), request.OwnerAddress, request.KeepLamports)
	if err != nil {
		s.logger.Warn("sweep build failed", "owner", request.OwnerAddress, "err", err)
		s.respondOperationError(w, err)
		return
	}

	if result.TransactionBase64 != nil {
		record := ledger.OperationRecord{
			Owner:     request.OwnerAddress,
			Kind:      ledger.KindSweep,
			Blockhash: result.RecentBlockhash,
		}
		if insErr := s.store.Insert(r.Context(), record); insErr != nil {
			s.logger.Warn("ledger build record failed", "kind", ledger.KindSweep, "owner", request.OwnerAddress, "err", insErr)
		}
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Service) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	inputMint, err := solana.PublicKeyFromBase58(strings.TrimSpace(query.Get("inputMint")))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid inputMint")
		return
	}
	outputMint, err := solana.PublicKeyFromBase58(strings.TrimSpace(query.Get("outputMint")))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid outputMint")
		return
	}
	amountUnits, err := strconv.ParseUint(strings.TrimSpace(query.Get("amount")), 10, 64)
	if err != nil || amountUnits == 0 {
		s.respondError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	slippageBps, _ := strconv.ParseUint(strings.TrimSpace(query.Get("slippageBps")), 10, 64)
	if slippageBps == 0 {
		slippageBps = 50
	}

	quote, err := s.router.Quote(r.Context(), swaprouter.QuoteRequest{
		InputMint:   inputMint,
		OutputMint:  outputMint,
		AmountUnits: amountUnits,
		SlippageBps: slippageBps,
	})
	if err != nil {
		s.logger.Warn("quote failed", "input_mint", inputMint.String(), "output_mint", outputMint.String(), "err", err)
		s.respondError(w, http.StatusBadGateway, "failed to fetch quote")
		return
	}

	s.respondJSON(w, http.StatusOK, quote)
}

func (s *Service) handleOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	signature := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/operations/"))
	if signature == "" || strings.Contains(signature, "/") {
		s.respondError(w, http.StatusBadRequest, "signature is required")
		return
	}

	record, err := s.store.Operation(r.Context(), signature)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "operation not found")
			return
		}
		s.logger.Error("get operation failed", "signature", signature, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get operation")
		return
	}

	s.respondJSON(w, http.StatusOK, record)
}
