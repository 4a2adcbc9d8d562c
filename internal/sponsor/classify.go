package sponsor

import (
	"errors"
	"regexp"
	"strings"
)

// broadcast error classification lives only at this boundary. The RPC
// surface does not guarantee stable machine codes for every failure mode,
// so the fallback is an ordered substring table: more specific causes are
// matched before generic ones (slippage carries "insufficient" in some
// program messages, so it must be checked first). Bare hex codes are
// anchored so "0x1" cannot swallow unrelated "0x1..." program errors.
type broadcastCause struct {
	code        string
	userMessage string
	needles     []string
	pattern     *regexp.Regexp
}

var broadcastCauses = []broadcastCause{
	{
		code:        CodeSlippageExceeded,
		userMessage: "Price moved beyond your slippage limit. Try again with a higher limit.",
		needles:     []string{"slippage", "0x1771", "exceeds desired slippage", "price slippage"},
	},
	{
		code:        CodeInsufficientFunds,
		userMessage: "Insufficient balance to complete this transaction.",
		needles:     []string{"insufficient funds", "insufficient lamports", "debit an account"},
		pattern:     regexp.MustCompile(`custom program error: 0x1\b`),
	},
	{
		code:        CodeBlockhashExpired,
		userMessage: "The transaction expired before it could be processed. Please retry.",
		needles:     []string{"blockhash not found", "block height exceeded", "blockhashnotfound", "expired"},
	},
}

func (c broadcastCause) matches(haystack string) bool {
	for _, needle := range c.needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return c.pattern != nil && c.pattern.MatchString(haystack)
}

// ClassifyBroadcastError maps a raw broadcast failure onto the small
// user-facing vocabulary. Order matters; anything unmatched is reported as
// a generic broadcast failure.
func ClassifyBroadcastError(err error) *APIError {
	if err == nil {
		return nil
	}
	haystack := strings.ToLower(err.Error())
	for _, cause := range broadcastCauses {
		if cause.matches(haystack) {
			return &APIError{
				Code:        cause.code,
				Err:         err.Error(),
				UserMessage: cause.userMessage,
				Stage:       StageBroadcast,
			}
		}
	}
	return &APIError{
		Code:        CodeBroadcastFailed,
		Err:         err.Error(),
		UserMessage: "The network rejected this transaction. Please try again.",
		Stage:       StageBroadcast,
	}
}

// IsStaleBlockhash reports whether an error should be retried once with a
// fresh blockhash before surfacing.
func IsStaleBlockhash(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == CodeBlockhashExpired
	}
	haystack := strings.ToLower(err.Error())
	return strings.Contains(haystack, "blockhash not found") ||
		strings.Contains(haystack, "block height exceeded") ||
		strings.Contains(haystack, "blockhashnotfound")
}
