package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/veliapay/sponsor/backend/internal/config"
	"github.com/veliapay/sponsor/backend/internal/custody"
	"github.com/veliapay/sponsor/backend/internal/ledger"
	"github.com/veliapay/sponsor/backend/internal/perps"
	"github.com/veliapay/sponsor/backend/internal/sponsor"
	"github.com/veliapay/sponsor/backend/internal/swaprouter"
)

type Service struct {
	cfg              config.SponsorServerConfig
	logger           *slog.Logger
	chain            *sponsor.RPCChain
	builder          *sponsor.Builder
	gateway          *sponsor.Gateway
	router           *swaprouter.Client
	store            *ledger.Store
	markets          *perps.MarketSet
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.SponsorServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := ledger.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init ledger store: %w", err)
	}

	marketList := make([]perps.Market, 0, len(cfg.Markets))
	for symbol, entry := range cfg.Markets {
		marketList = append(marketList, perps.Market{
			Symbol:   symbol,
			Custody:  entry.Custody,
			Oracle:   entry.Oracle,
			Mint:     entry.Mint,
			Decimals: entry.Decimals,
		})
	}
	markets, err := perps.NewMarketSet(marketList)
	if err != nil {
		return nil, fmt.Errorf("init market set: %w", err)
	}

	chain := sponsor.NewRPCChain(rpc.New(cfg.RPCURL), cfg.Commitment)
	policy := feePolicyFromConfig(cfg.Sponsorship)

	builder := sponsor.NewBuilder(sponsor.BuilderConfig{
		ProgramID:          cfg.PerpsProgramID,
		Pool:               cfg.Pool,
		Perpetuals:         cfg.Perpetuals,
		CollateralCustody:  cfg.CollateralCustody,
		CollateralMint:     cfg.CollateralMint,
		CollateralDecimals: cfg.CollateralDecimals,
		Sponsor:            cfg.Sponsorship.SponsorAddress,
		SponsorFeeLamports: cfg.Sponsorship.SponsorFeeLamports,
	}, policy, chain, markets, logger)

	custodyClient := custody.New(cfg.CustodyURL, cfg.CustodyIdentity, cfg.CustodyAuthToken, cfg.CustodyTimeout)
	gateway := sponsor.NewGateway(chain, chain, custodyClient, store, cfg.Sponsorship.SponsorAddress, cfg.ConfirmTimeout, logger)

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		chain:            chain,
		builder:          builder,
		gateway:          gateway,
		router:           swaprouter.New(cfg.SwapRouterURL, cfg.SwapRouterTimeout),
		store:            store,
		markets:          markets,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func feePolicyFromConfig(cfg config.SponsorshipConfig) sponsor.FeePolicy {
	return sponsor.FeePolicy{
		MinWalletFloor:                cfg.MinWalletFloor,
		DustFloor:                     cfg.DustFloor,
		DustTolerance:                 cfg.DustTolerance,
		SafetyBuffer:                  cfg.SafetyBuffer,
		AbsoluteMaxTopUp:              cfg.AbsoluteMaxTopUp,
		BaseFeeBuffer:                 cfg.BaseFeeBuffer,
		MinSweepLamports:              cfg.MinSweepLamports,
		ComputeUnitLimit:              cfg.ComputeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.ComputeUnitPriceMicroLamports,
	}
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close ledger store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/markets", s.handleMarkets)
	mux.HandleFunc("/v1/tx/build", s.handleBuild)
	mux.HandleFunc("/v1/tx/send", s.handleSend)
	mux.HandleFunc("/v1/tx/sweep", s.handleSweep)
	mux.HandleFunc("/v1/quote", s.handleQuote)
	mux.HandleFunc("/v1/operations/", s.handleOperation)
	mux.HandleFunc("/ws", s.handleWebsocket)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("sponsor-server started",
		"listen_addr", s.cfg.ListenAddr,
		"rpc_url", s.cfg.RPCURL,
		"sponsor", s.cfg.Sponsorship.SponsorAddress.String(),
		"markets", strings.Join(s.markets.Symbols(), ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("sponsor-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown sponsor-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type healthResponse struct {
	OK bool `json:"ok"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

type marketsResponse struct {
	Symbols []string `json:"symbols"`
}

func (s *Service) handleMarkets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, marketsResponse{Symbols: s.markets.Symbols()})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: unexpected trailing content")
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

// respondOperationError renders the typed error contract. Anything that is
// not an *sponsor.APIError is masked as INTERNAL so raw RPC detail never
// leaks to clients.
func (s *Service) respondOperationError(w http.ResponseWriter, err error) {
	var apiErr *sponsor.APIError
	if !errors.As(err, &apiErr) {
		apiErr = sponsor.NewAPIError(sponsor.CodeInternal, sponsor.StageBuild, "Something went wrong. Please try again.", err)
	}
	s.respondJSON(w, httpStatusForCode(apiErr.Code), apiErr)
}

func httpStatusForCode(code string) int {
	switch code {
	case sponsor.CodeInvalidArgument,
		sponsor.CodeUnknownSymbol,
		sponsor.CodeInvalidSide,
		sponsor.CodeInvalidAmount,
		sponsor.CodeInvalidSlippage,
		sponsor.CodeFeePayerMismatch,
		sponsor.CodeMissingSignature:
		return http.StatusBadRequest
	case sponsor.CodeTopUpCeilingExceeded,
		sponsor.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case sponsor.CodeBlockhashExpired,
		sponsor.CodeSlippageExceeded:
		return http.StatusConflict
	case sponsor.CodeSponsorUnderfunded,
		sponsor.CodeCustodyUnavailable:
		return http.StatusServiceUnavailable
	case sponsor.CodeSimulationFailed,
		sponsor.CodeBroadcastFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
