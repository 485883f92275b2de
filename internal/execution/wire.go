package execution

// Wire-format request/response shapes for the venue's order REST API,
// mirroring the teacher's pkg/types OrderPayload/OrderResponse/
// CancelResponse.

type signedOrderWire struct {
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Side          string `json:"side"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type orderPayloadWire struct {
	Order     signedOrderWire `json:"order"`
	Owner     string          `json:"owner"`
	OrderType string          `json:"orderType"`
}

type OrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderID"`
	Status  string `json:"status"`
	Error   string `json:"errorMsg,omitempty"`
}

type CancelResponse struct {
	Canceled []string          `json:"canceled"`
	NotFound map[string]string `json:"not_canceled,omitempty"`
}

type bookLevelWire struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponseWire struct {
	AssetID string          `json:"asset_id"`
	Bids    []bookLevelWire `json:"bids"`
	Asks    []bookLevelWire `json:"asks"`
	Hash    string          `json:"hash"`
}

type openOrderWire struct {
	ID          string `json:"id"`
	TokenID     string `json:"asset_id"`
	Status      string `json:"status"`
	SizeMatched string `json:"size_matched"`
	Price       string `json:"price"`
	Side        string `json:"side"`
}

// positionWire mirrors the Data API's /positions response shape: one row
// per token currently or formerly held.
type positionWire struct {
	ConditionID  string `json:"conditionId"`
	TokenID      string `json:"asset"`
	Outcome      string `json:"outcome"`
	Size         string `json:"size"`
	CurPrice     string `json:"curPrice"`
	Redeemable   bool   `json:"redeemable"`
	NegativeRisk bool   `json:"negativeRisk"`
}

// Position is one Data API position row, decoded into exported fields so
// internal/claimer can consume it without depending on the wire shape.
type Position struct {
	ConditionID  string
	TokenID      string
	Outcome      string
	Size         string
	CurPrice     string
	Redeemable   bool
	NegativeRisk bool
}
