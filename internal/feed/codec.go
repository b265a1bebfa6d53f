package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"stockwatch/internal/model"
)

// wire types for the canonical JSON feed payload.
type wireEvent struct {
	Category string     `json:"category"`
	At       time.Time  `json:"at"`
	Items    []wireItem `json:"items"`
}

type wireItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Quantity  int       `json:"quantity"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// JSONCodec decodes the canonical feed payload:
//
//	{"category": "...", "at": "...", "items": [{"id": "...", "name": "...", "quantity": N, "expires_at": "..."}]}
//
// Item ids must be non-empty; the category stamp on each item comes from the
// frame, not the wire.
type JSONCodec struct{}

func (JSONCodec) Decode(frame []byte) (model.StockEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(frame, &w); err != nil {
		return model.StockEvent{}, fmt.Errorf("decode frame: %w", err)
	}
	if w.Category == "" {
		return model.StockEvent{}, fmt.Errorf("decode frame: missing category")
	}
	ev := model.StockEvent{
		Category: w.Category,
		At:       w.At,
		Items:    make([]model.StockItem, 0, len(w.Items)),
	}
	for i, it := range w.Items {
		if it.ID == "" {
			return model.StockEvent{}, fmt.Errorf("decode frame: item %d: missing id", i)
		}
		ev.Items = append(ev.Items, model.StockItem{
			ID:         it.ID,
			Name:       it.Name,
			Category:   w.Category,
			Quantity:   it.Quantity,
			ObservedAt: w.At,
			ExpiresAt:  it.ExpiresAt,
		})
	}
	return ev, nil
}
