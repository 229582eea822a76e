package market

// Symbol holds the static per-symbol metadata used for value conversions.
// The table is immutable and loaded at startup.
type Symbol struct {
	Code          string  `json:"code"`
	PipSize       float64 `json:"pip_size"`
	ContractSize  float64 `json:"contract_size"` // units per standard lot
	QuoteCurrency string  `json:"quote_currency"`
	BasePrice     float64 `json:"-"` // seed price for the simulated feed
}

// Major pairs. JPY-quoted pairs use a 0.01 pip, everything else 0.0001.
var symbols = map[string]Symbol{
	"EURUSD": {Code: "EURUSD", PipSize: 0.0001, ContractSize: 100000, QuoteCurrency: "USD", BasePrice: 1.0850},
	"GBPUSD": {Code: "GBPUSD", PipSize: 0.0001, ContractSize: 100000, QuoteCurrency: "USD", BasePrice: 1.2650},
	"USDJPY": {Code: "USDJPY", PipSize: 0.01, ContractSize: 100000, QuoteCurrency: "JPY", BasePrice: 149.50},
	"AUDUSD": {Code: "AUDUSD", PipSize: 0.0001, ContractSize: 100000, QuoteCurrency: "USD", BasePrice: 0.6550},
	"USDCAD": {Code: "USDCAD", PipSize: 0.0001, ContractSize: 100000, QuoteCurrency: "CAD", BasePrice: 1.3550},
	"USDCHF": {Code: "USDCHF", PipSize: 0.0001, ContractSize: 100000, QuoteCurrency: "CHF", BasePrice: 0.8850},
	"NZDUSD": {Code: "NZDUSD", PipSize: 0.0001, ContractSize: 100000, QuoteCurrency: "USD", BasePrice: 0.6050},
	"EURGBP": {Code: "EURGBP", PipSize: 0.0001, ContractSize: 100000, QuoteCurrency: "GBP", BasePrice: 0.8580},
	"EURJPY": {Code: "EURJPY", PipSize: 0.01, ContractSize: 100000, QuoteCurrency: "JPY", BasePrice: 162.15},
	"GBPJPY": {Code: "GBPJPY", PipSize: 0.01, ContractSize: 100000, QuoteCurrency: "JPY", BasePrice: 189.10},
}

// Lookup returns the metadata for a symbol code.
func Lookup(code string) (Symbol, bool) {
	s, ok := symbols[code]
	return s, ok
}

// All returns every known symbol.
func All() []Symbol {
	out := make([]Symbol, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, s)
	}
	return out
}
