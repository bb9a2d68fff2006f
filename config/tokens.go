package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TokenKind 区分两个互斥的资产集合。
type TokenKind string

const (
	TokenKindBTC TokenKind = "btc"
	TokenKindUSD TokenKind = "usd"
)

// TokenConfig is the yaml shape of one supported token.
type TokenConfig struct {
	ID       string    `yaml:"id"` // on-chain id without the nepNNN: prefix
	Symbol   string    `yaml:"symbol"`
	Decimals int32     `yaml:"decimals"`
	Kind     TokenKind `yaml:"kind"`
}

// Token is the immutable runtime form with the pre-computed pow10.
type Token struct {
	ID       string
	Symbol   string
	Decimals int32
	Kind     TokenKind
	Pow10    decimal.Decimal
}

// TokenTable 启动时加载的只读 token 表，按 id 提供 O(1) 查询。
type TokenTable struct {
	byID map[string]Token
	btc  []Token
	usd  []Token
}

// BuildTokenTable validates and indexes the configured tokens.
func BuildTokenTable(tokens []TokenConfig) (*TokenTable, error) {
	table := &TokenTable{byID: make(map[string]Token, len(tokens))}
	for _, tc := range tokens {
		if tc.ID == "" {
			return nil, fmt.Errorf("token id is required")
		}
		if strings.Contains(tc.ID, ":") {
			return nil, fmt.Errorf("token %s: configure the bare id, the wire prefix is added on publish", tc.ID)
		}
		if tc.Decimals < 0 || tc.Decimals > 38 {
			return nil, fmt.Errorf("token %s: decimals out of range", tc.ID)
		}
		if tc.Kind != TokenKindBTC && tc.Kind != TokenKindUSD {
			return nil, fmt.Errorf("token %s: kind must be btc or usd", tc.ID)
		}
		if _, dup := table.byID[tc.ID]; dup {
			return nil, fmt.Errorf("token %s: duplicate id", tc.ID)
		}
		tok := Token{
			ID:       tc.ID,
			Symbol:   tc.Symbol,
			Decimals: tc.Decimals,
			Kind:     tc.Kind,
			Pow10:    decimal.New(1, tc.Decimals),
		}
		table.byID[tc.ID] = tok
		switch tc.Kind {
		case TokenKindBTC:
			table.btc = append(table.btc, tok)
		case TokenKindUSD:
			table.usd = append(table.usd, tok)
		}
	}
	if len(table.btc) == 0 {
		return nil, fmt.Errorf("at least one btc token is required")
	}
	if len(table.usd) == 0 {
		return nil, fmt.Errorf("at least one usd token is required")
	}
	return table, nil
}

// Lookup returns the token for id, if configured.
func (t *TokenTable) Lookup(id string) (Token, bool) {
	tok, ok := t.byID[id]
	return tok, ok
}

// IsBTC reports whether id belongs to the BTC-pegged set.
func (t *TokenTable) IsBTC(id string) bool {
	tok, ok := t.byID[id]
	return ok && tok.Kind == TokenKindBTC
}

// IsUSD reports whether id belongs to the USD-pegged set.
func (t *TokenTable) IsUSD(id string) bool {
	tok, ok := t.byID[id]
	return ok && tok.Kind == TokenKindUSD
}

// BTCTokens returns the BTC-pegged set in config order.
func (t *TokenTable) BTCTokens() []Token { return t.btc }

// USDTokens returns the USD-pegged set in config order.
func (t *TokenTable) USDTokens() []Token { return t.usd }

// ToBase converts a human amount to a base-unit integer string, rounding with
// the supplied mode. floor 用于我们付出的一侧，ceil 用于对方付出的一侧。
func (tok Token) ToBase(amount float64, ceil bool) string {
	d := decimal.NewFromFloat(amount).Mul(tok.Pow10)
	if ceil {
		return d.Ceil().String()
	}
	return d.Floor().String()
}

// FromBase converts a base-unit integer string to a float amount.
func (tok Token) FromBase(raw string) (float64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q is negative", raw)
	}
	f, _ := d.Div(tok.Pow10).Float64()
	return f, nil
}
