package venuefeed

// Wire-format event shapes for the venue's public market channel and
// authenticated user channel, matching the CLOB WebSocket API envelope.
// These mirror the teacher's pkg/types WS event structs one-to-one.

type WSBookEvent struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []WireLevel `json:"bids"`
	Asks      []WireLevel `json:"asks"`
	Hash      string      `json:"hash"`
	Timestamp string      `json:"timestamp"`
}

type WireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type WSPriceChangeEvent struct {
	EventType string            `json:"event_type"`
	AssetID   string            `json:"asset_id"`
	Market    string            `json:"market"`
	Changes   []WSPriceChange   `json:"changes"`
	Timestamp string            `json:"timestamp"`
}

type WSPriceChange struct {
	Price string `json:"price"`
	Side  string `json:"side"`
	Size  string `json:"size"`
}

type WSTradeEvent struct {
	EventType string `json:"event_type"`
	ID        string `json:"id"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

type WSOrderEvent struct {
	EventType string `json:"event_type"`
	ID        string `json:"id"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Status    string `json:"status"`
	SizeMatched string `json:"size_matched"`
	Timestamp string `json:"timestamp"`
}

type WSSubscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids,omitempty"`
	Markets  []string `json:"markets,omitempty"`
	Auth     any      `json:"auth,omitempty"`
}

type WSUpdateMsg struct {
	Operation string   `json:"operation"`
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
}
