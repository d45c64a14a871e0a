package tickfeed

import "encoding/json"

const (
	actionSubscribe = 1

	typeTick  = "tick"
	typeError = "error"
)

// subscribeRequest is sent once after the handshake.
type subscribeRequest struct {
	CorrelationID string          `json:"correlationID"`
	Action        int             `json:"action"`
	Params        subscribeParams `json:"params"`
}

type subscribeParams struct {
	Mode   string     `json:"mode"`
	Tokens []tokenRef `json:"tokenList"`
}

type tokenRef struct {
	Exchange string `json:"exchangeType"`
	Token    string `json:"token"`
}

// feedMessage is any server message. Ticks carry prices as JSON numbers and
// the exchange time as epoch milliseconds.
type feedMessage struct {
	Type              string      `json:"type"`
	Token             string      `json:"token"`
	LastPrice         json.Number `json:"ltp"`
	Open              json.Number `json:"open"`
	High              json.Number `json:"high"`
	Low               json.Number `json:"low"`
	Close             json.Number `json:"close"`
	Volume            int64       `json:"volume"`
	ExchangeTimestamp int64       `json:"exchange_timestamp"`
	Code              string      `json:"code"`
	Message           string      `json:"message"`
}
