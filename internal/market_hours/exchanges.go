// Package market_hours resolves exchange identifiers to their trading-hours
// configuration and computes the pure ShouldBeRunning/MarketHoursWindow
// functions the Lifecycle Controller reconciles against. Registry shape and
// naming conventions are grounded on the teacher's
// internal/modules/market_hours package (only its test file ships in the
// retrieval pack; the registry below is reconstructed to satisfy it).
package market_hours

import "strings"

// ExchangeConfig is one exchange's registry entry.
type ExchangeConfig struct {
	Code        string
	Name        string
	StrictHours bool // strict-hours exchanges have no pre/post auction extension
}

var registry = map[string]ExchangeConfig{
	"XNYS": {Code: "XNYS", Name: "New York Stock Exchange", StrictHours: false},
	"XNAS": {Code: "XNAS", Name: "NASDAQ", StrictHours: false},
	"XETR": {Code: "XETR", Name: "XETRA (Frankfurt)", StrictHours: false},
	"XLON": {Code: "XLON", Name: "London Stock Exchange", StrictHours: false},
	"XPAR": {Code: "XPAR", Name: "Euronext Paris", StrictHours: false},
	"XMIL": {Code: "XMIL", Name: "Borsa Italiana (Milan)", StrictHours: false},
	"XAMS": {Code: "XAMS", Name: "Euronext Amsterdam", StrictHours: false},
	"XCSE": {Code: "XCSE", Name: "Copenhagen Stock Exchange", StrictHours: false},
	"ASEX": {Code: "ASEX", Name: "Athens Stock Exchange", StrictHours: false},
	"XHKG": {Code: "XHKG", Name: "Hong Kong Stock Exchange", StrictHours: true},
	"XSHG": {Code: "XSHG", Name: "Shanghai Stock Exchange", StrictHours: true},
	"XTSE": {Code: "XTSE", Name: "Tokyo Stock Exchange", StrictHours: true},
	"XASX": {Code: "XASX", Name: "Australian Securities Exchange", StrictHours: true},
}

// aliases maps loosely-formatted exchange names/database names to a
// registry code, case-insensitively and whitespace-trimmed.
var aliases = map[string]string{
	"nyse":      "XNYS",
	"new york":  "XNYS",
	"nasdaq":    "XNAS",
	"nasdaqcm":  "XNAS",
	"nasdaqgs":  "XNAS",
	"xetra":     "XETR",
	"frankfurt": "XETR",
	"hkse":      "XHKG",
	"hong kong": "XHKG",
	"london":    "XLON",
	"lse":       "XLON",
	"paris":     "XPAR",
	"milan":     "XMIL",
	"amsterdam": "XAMS",
	"copenhagen": "XCSE",
	"athens":    "ASEX",
	"shanghai":  "XSHG",
	"shenzhen":  "XSHG",
	"tokyo":     "XTSE",
	"tse":       "XTSE",
	"sydney":    "XASX",
	"asx":       "XASX",
}

// GetExchangeCode resolves any recognized exchange name, database name, or
// registry code to its canonical registry code. Unknown input defaults to
// "XNYS", matching the teacher's unknown-exchange default.
func GetExchangeCode(input string) string {
	trimmed := strings.TrimSpace(input)
	if _, ok := registry[trimmed]; ok {
		return trimmed
	}
	lower := strings.ToLower(trimmed)
	if code, ok := aliases[lower]; ok {
		return code
	}
	return "XNYS"
}

// getExchangeConfig returns the registry entry for code, defaulting to XNYS
// for any code not present in the registry (never nil).
func getExchangeConfig(code string) *ExchangeConfig {
	if cfg, ok := registry[code]; ok {
		c := cfg
		return &c
	}
	c := registry["XNYS"]
	return &c
}
