package perps

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var positionAccountDisc = anchorAccountDiscriminator("Position")

func anchorAccountDiscriminator(accountName string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + accountName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// PositionAccount mirrors the Position state stored by the external
// perpetuals program. Position identity is derived, never stored locally;
// this decode exists so the builder can read current on-chain state right
// before assembling a new transaction.
type PositionAccount struct {
	Owner             solana.PublicKey
	Pool              solana.PublicKey
	Custody           solana.PublicKey
	CollateralCustody solana.PublicKey
	OpenTime          int64
	UpdateTime        int64
	Side              uint8
	Price             uint64
	SizeUsd           uint64
	CollateralUsd     uint64
	RealisedPnlUsd    int64
	Bump              uint8
}

// Open reports whether the position currently carries exposure.
func (p *PositionAccount) Open() bool {
	return p.SizeUsd > 0
}

func ParsePositionAccount(data []byte) (*PositionAccount, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("position account payload too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:8], positionAccountDisc[:]) {
		return nil, fmt.Errorf("position account discriminator mismatch")
	}

	out := new(PositionAccount)
	if err := bin.NewBorshDecoder(data[8:]).Decode(out); err != nil {
		return nil, fmt.Errorf("decode position account: %w", err)
	}
	return out, nil
}

// Market is one tradable underlying plus the accounts the perpetuals
// program expects for it.
type Market struct {
	Symbol   string
	Custody  solana.PublicKey
	Oracle   solana.PublicKey
	Mint     solana.PublicKey
	Decimals uint8
}

// MarketSet resolves user-facing symbols to market configuration. Unknown
// symbols are a validation failure, rejected before any network call.
type MarketSet struct {
	bySymbol map[string]Market
}

func NewMarketSet(markets []Market) (*MarketSet, error) {
	bySymbol := make(map[string]Market, len(markets))
	for _, market := range markets {
		key := normalizeSymbol(market.Symbol)
		if key == "" {
			return nil, fmt.Errorf("market with empty symbol")
		}
		if _, exists := bySymbol[key]; exists {
			return nil, fmt.Errorf("duplicate market symbol %q", market.Symbol)
		}
		bySymbol[key] = market
	}
	if len(bySymbol) == 0 {
		return nil, fmt.Errorf("no markets configured")
	}
	return &MarketSet{bySymbol: bySymbol}, nil
}

func (m *MarketSet) Lookup(symbol string) (Market, bool) {
	market, ok := m.bySymbol[normalizeSymbol(symbol)]
	return market, ok
}

func (m *MarketSet) Symbols() []string {
	out := make([]string, 0, len(m.bySymbol))
	for key := range m.bySymbol {
		out = append(out, key)
	}
	return out
}

func normalizeSymbol(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
