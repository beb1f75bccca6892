package market_hours

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetExchangeCode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"XNYS code", "XNYS", "XNYS"},
		{"XHKG code", "XHKG", "XHKG"},
		{"NYSE database name", "NYSE", "XNYS"},
		{"NASDAQ database name", "NASDAQ", "XNAS"},
		{"London database name", "London", "XLON"},
		{"Hong Kong database name", "Hong Kong", "XHKG"},
		{"nyse lowercase", "nyse", "XNYS"},
		{"NYSE with whitespace", "  NYSE  ", "XNYS"},
		{"unknown exchange", "UnknownExchange", "XNYS"},
		{"empty string", "", "XNYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetExchangeCode(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestGetExchangeCode_StrictMarketHours(t *testing.T) {
	strictExchanges := []string{"XHKG", "XSHG", "XTSE", "XASX", "Tokyo", "Sydney"}
	for _, exchange := range strictExchanges {
		t.Run(exchange, func(t *testing.T) {
			code := GetExchangeCode(exchange)
			cfg := getExchangeConfig(code)
			assert.True(t, cfg.StrictHours, "exchange %s should map to a strict-hours exchange", exchange)
		})
	}
}

func TestGetExchangeConfig(t *testing.T) {
	tests := []struct {
		name           string
		exchangeCode   string
		expectedName   string
		expectedStrict bool
	}{
		{"XNYS exists", "XNYS", "New York Stock Exchange", false},
		{"XHKG exists", "XHKG", "Hong Kong Stock Exchange", true},
		{"unknown defaults to XNYS", "UNKNOWN", "New York Stock Exchange", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getExchangeConfig(tt.exchangeCode)
			assert.NotNil(t, cfg)
			assert.Equal(t, tt.expectedName, cfg.Name)
			assert.Equal(t, tt.expectedStrict, cfg.StrictHours)
		})
	}
}
