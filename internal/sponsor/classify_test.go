package sponsor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyBroadcastError(t *testing.T) {
	cases := []struct {
		name     string
		message  string
		expected string
	}{
		{"slippage hex code", "Transaction simulation failed: custom program error: 0x1771", CodeSlippageExceeded},
		{"slippage text", "Program log: price exceeds desired slippage limit", CodeSlippageExceeded},
		{"insufficient lamports", "Transfer: insufficient lamports 100, need 200", CodeInsufficientFunds},
		{"insufficient hex code", "Transaction simulation failed: custom program error: 0x1", CodeInsufficientFunds},
		{"unrelated hex code", "Transaction simulation failed: custom program error: 0x1772", CodeBroadcastFailed},
		{"debit", "Attempt to debit an account but found no record of a prior credit", CodeInsufficientFunds},
		{"blockhash", "Blockhash not found", CodeBlockhashExpired},
		{"block height", "block height exceeded", CodeBlockhashExpired},
		{"unknown", "something exploded", CodeBroadcastFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := ClassifyBroadcastError(errors.New(tc.message))
			require.NotNil(t, apiErr)
			assert.Equal(t, tc.expected, apiErr.Code)
			assert.Equal(t, StageBroadcast, apiErr.Stage)
			assert.NotEmpty(t, apiErr.UserMessage)
		})
	}

	assert.Nil(t, ClassifyBroadcastError(nil))
}

// Some program messages carry both "slippage" and "insufficient" wording;
// the more specific cause must win.
func TestClassifyBroadcastErrorOrdering(t *testing.T) {
	apiErr := ClassifyBroadcastError(errors.New("insufficient output: exceeds desired slippage limit"))
	require.NotNil(t, apiErr)
	assert.Equal(t, CodeSlippageExceeded, apiErr.Code)
}

func TestIsStaleBlockhash(t *testing.T) {
	assert.False(t, IsStaleBlockhash(nil))
	assert.False(t, IsStaleBlockhash(errors.New("boom")))

	assert.True(t, IsStaleBlockhash(errors.New("RPC: Blockhash not found")))
	assert.True(t, IsStaleBlockhash(errors.New("BlockhashNotFound")))

	expired := ClassifyBroadcastError(errors.New("Blockhash not found"))
	assert.True(t, IsStaleBlockhash(expired))
	assert.True(t, IsStaleBlockhash(fmt.Errorf("send: %w", expired)), "wrapped typed errors must still match")

	other := ClassifyBroadcastError(errors.New("something exploded"))
	assert.False(t, IsStaleBlockhash(other))
}
