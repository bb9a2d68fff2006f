package config

import "testing"

func testTokens() []TokenConfig {
	return []TokenConfig{
		{ID: "btc.omft.near", Symbol: "BTC", Decimals: 8, Kind: TokenKindBTC},
		{ID: "usdt.tether-token.near", Symbol: "USDT", Decimals: 6, Kind: TokenKindUSD},
		{ID: "usdc.near", Symbol: "USDC", Decimals: 6, Kind: TokenKindUSD},
	}
}

func TestBuildTokenTable(t *testing.T) {
	table, err := BuildTokenTable(testTokens())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !table.IsBTC("btc.omft.near") || table.IsBTC("usdc.near") {
		t.Fatalf("btc set classification wrong")
	}
	if !table.IsUSD("usdt.tether-token.near") {
		t.Fatalf("usd set classification wrong")
	}
	if len(table.BTCTokens()) != 1 || len(table.USDTokens()) != 2 {
		t.Fatalf("set sizes wrong")
	}
	if _, ok := table.Lookup("unknown.near"); ok {
		t.Fatalf("unknown token must not resolve")
	}
}

func TestBuildTokenTableRejectsBadInput(t *testing.T) {
	cases := [][]TokenConfig{
		{{ID: "nep141:btc.omft.near", Decimals: 8, Kind: TokenKindBTC}}, // wire prefix
		{{ID: "a", Decimals: 8, Kind: "other"}},                         // bad kind
		{{ID: "a", Decimals: 8, Kind: TokenKindBTC}, {ID: "a", Decimals: 8, Kind: TokenKindBTC}}, // dup
		{{ID: "a", Decimals: 8, Kind: TokenKindBTC}},                    // no usd token
	}
	for i, tokens := range cases {
		if _, err := BuildTokenTable(tokens); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestToBaseRounding(t *testing.T) {
	table, _ := BuildTokenTable(testTokens())
	usdt, _ := table.Lookup("usdt.tether-token.near")
	// 997.0000015 USDT = 997000001.5 base units: floor and ceil differ by one
	if got := usdt.ToBase(997.0000015, false); got != "997000001" {
		t.Fatalf("floor: got %s", got)
	}
	if got := usdt.ToBase(997.0000015, true); got != "997000002" {
		t.Fatalf("ceil: got %s", got)
	}
	btc, _ := table.Lookup("btc.omft.near")
	if got := btc.ToBase(0.01, false); got != "1000000" {
		t.Fatalf("btc floor: got %s", got)
	}
}

func TestFromBase(t *testing.T) {
	table, _ := BuildTokenTable(testTokens())
	btc, _ := table.Lookup("btc.omft.near")
	v, err := btc.FromBase("1000000")
	if err != nil || v != 0.01 {
		t.Fatalf("from base: %f %v", v, err)
	}
	if _, err := btc.FromBase("-1"); err == nil {
		t.Fatalf("negative must fail")
	}
	if _, err := btc.FromBase("abc"); err == nil {
		t.Fatalf("garbage must fail")
	}
}
