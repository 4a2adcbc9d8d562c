package sponsor

import "fmt"

// Machine-matched error codes. Clients branch on these for retry logic, so
// the strings are part of the API contract.
const (
	CodeInvalidArgument      = "INVALID_ARGUMENT"
	CodeUnknownSymbol        = "UNKNOWN_SYMBOL"
	CodeInvalidSide          = "INVALID_SIDE"
	CodeInvalidAmount        = "INVALID_AMOUNT"
	CodeInvalidSlippage      = "INVALID_SLIPPAGE"
	CodeTopUpCeilingExceeded = "TOPUP_CEILING_EXCEEDED"
	CodeSponsorUnderfunded   = "SPONSOR_UNDERFUNDED"
	CodeFeePayerMismatch     = "FEE_PAYER_MISMATCH"
	CodeMissingSignature     = "MISSING_SIGNATURE"
	CodeBlockhashExpired     = "BLOCKHASH_EXPIRED"
	CodeSlippageExceeded     = "SLIPPAGE_EXCEEDED"
	CodeInsufficientFunds    = "INSUFFICIENT_FUNDS"
	CodeSimulationFailed     = "SIMULATION_FAILED"
	CodeBroadcastFailed      = "BROADCAST_FAILED"
	CodeCustodyUnavailable   = "CUSTODY_UNAVAILABLE"
	CodeInternal             = "INTERNAL"
)

// Stages name the internal phase an error came from, for diagnostics only.
const (
	StageValidate  = "validate"
	StageSnapshot  = "snapshot"
	StageBuild     = "build"
	StageCosign    = "cosign"
	StageSimulate  = "simulate"
	StageBroadcast = "broadcast"
	StageConfirm   = "confirm"
	StageSweep     = "sweep"
)

// Sweep reason codes. A null transaction with one of these reasons is a
// successful response, not an error.
const (
	SweepReasonNothingToSweep = "NOTHING_TO_SWEEP"
	SweepReasonBelowMinimum   = "BELOW_MINIMUM"
	SweepReasonBuilt          = "SWEEP_BUILT"
)

// APIError is the single error shape every endpoint returns. Code is
// machine-matched, UserMessage is display-safe, Stage is diagnostic.
type APIError struct {
	Code        string `json:"code"`
	Err         string `json:"error"`
	UserMessage string `json:"userMessage"`
	Stage       string `json:"stage"`
	Details     any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s/%s)", e.Err, e.Stage, e.Code)
}

func NewAPIError(code, stage, userMessage string, cause error) *APIError {
	detail := userMessage
	if cause != nil {
		detail = cause.Error()
	}
	return &APIError{
		Code:        code,
		Err:         detail,
		UserMessage: userMessage,
		Stage:       stage,
	}
}

func validationError(code, userMessage string) *APIError {
	return &APIError{
		Code:        code,
		Err:         userMessage,
		UserMessage: userMessage,
		Stage:       StageValidate,
	}
}
