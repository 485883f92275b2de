package signer

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ploy-markets/ploy/pkg/types"
)

// orderTypes is the CTF-Exchange Order EIP-712 typed-data shape: a salted,
// signed limit order against a conditional-token market.
var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "signatureType", Type: "uint8"},
	},
}

// SignOrder builds and signs an Order typed-data message for the venue's
// exchange contract, returning the hex signature and the random salt used.
// tokenID is the decimal-string CTF position ID (not the Polymarket
// market/event string ID).
func (s *Signer) SignOrder(exchangeAddr string, tokenID string, makerAmt, takerAmt *big.Int, action types.Action, expiration int64, nonce int64) (signature string, salt string, err error) {
	saltBig, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}

	sideVal := 0
	if action == types.ActionSell {
		sideVal = 1
	}

	domain := &apitypes.TypedDataDomain{
		Name:              "Polymarket CTF Exchange",
		Version:           "1",
		ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		VerifyingContract: exchangeAddr,
	}

	message := apitypes.TypedDataMessage{
		"salt":          saltBig.String(),
		"maker":         s.funderAddress.Hex(),
		"signer":        s.address.Hex(),
		"taker":         common.Address{}.Hex(),
		"tokenId":       tokenID,
		"makerAmount":   makerAmt.String(),
		"takerAmount":   takerAmt.String(),
		"expiration":    fmt.Sprintf("%d", expiration),
		"nonce":         fmt.Sprintf("%d", nonce),
		"feeRateBps":    "0",
		"side":          fmt.Sprintf("%d", sideVal),
		"signatureType": fmt.Sprintf("%d", s.sigType),
	}

	sig, err := s.SignTypedData(domain, orderTypes, message, "Order")
	if err != nil {
		return "", "", fmt.Errorf("sign order: %w", err)
	}

	return "0x" + common.Bytes2Hex(sig), saltBig.String(), nil
}
