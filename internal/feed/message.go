package feed

import (
	json "github.com/goccy/go-json"

	"enrichment/internal/model"
)

// Message types carried on the feed.
const (
	MessageTypeTrade = "trade"
	MessageTypeBatch = "batch"
)

// message is the envelope of every feed frame.
//
// Example frames:
//
//	{"type":"trade","data":{"tradeId":1,"productId":31,"brokerId":21}}
//	{"type":"batch","data":[{"tradeId":2,"productId":32,"brokerId":24}, ...]}
type message struct {
	Type string          `json:"type" validate:"required,oneof=trade batch"`
	Data json.RawMessage `json:"data" validate:"required"`
}

// EncodeBatch renders batch as one feed frame.
func EncodeBatch(batch []model.Trade) ([]byte, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message{Type: MessageTypeBatch, Data: data})
}

// EncodeTrade renders a single trade as one feed frame.
func EncodeTrade(t model.Trade) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message{Type: MessageTypeTrade, Data: data})
}
