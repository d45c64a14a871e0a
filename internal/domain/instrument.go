package domain

// DefaultExchange is used when an instrument does not name one.
const DefaultExchange = "NSE"

// Instrument maps a trading symbol to the broker's instrument token.
type Instrument struct {
	Symbol   string // trading symbol, e.g. NIFTY
	Token    string // broker instrument token, e.g. 99926000
	Exchange string // exchange segment, e.g. NSE
}
