// Package signer handles venue authentication: EIP-712 order/auth
// signatures (L1) and HMAC-SHA256 request signing (L2), plus the decimal
// -> on-chain amount conversion orders need before submission.
//
// Ported near-verbatim from the teacher's internal/exchange/auth.go — the
// domain's POLY_* header contract and ClobAuthDomain typed-data shape are
// unchanged by this spec, only the package name and surrounding types
// differ.
package signer

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/pkg/types"
)

// Credentials holds the L2 API key triplet returned by the venue's
// derive-api-key endpoint, used for HMAC-signed trading requests.
type Credentials struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// wsAuth is the payload shape the authenticated user WebSocket channel
// expects in its subscribe handshake.
type wsAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Signer handles two layers of venue authentication:
//
//   - L1 (EIP-712): used once to derive L2 API keys, proves wallet
//     ownership by signing a typed-data "ClobAuth" message.
//   - L2 (HMAC-SHA256): used for all trading operations, signs
//     "timestamp + method + path [+ body]" with the derived API secret.
type Signer struct {
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	chainID       *big.Int
	sigType       int
	creds         Credentials
}

// New creates a Signer from wallet config.
func New(cfg config.WalletConfig, venue config.VenueConfig) (*Signer, error) {
	keyHex := cfg.PrivateKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, types.NewError(types.KindWallet, "new_signer", fmt.Errorf("parse private key: %w", err))
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	var funder common.Address
	if cfg.FunderAddress != "" {
		if !common.IsHexAddress(cfg.FunderAddress) {
			return nil, types.NewError(types.KindAddressParsing, "new_signer",
				fmt.Errorf("funder_address %q is not a valid address", cfg.FunderAddress))
		}
		funder = common.HexToAddress(cfg.FunderAddress)
	} else {
		funder = address
	}

	return &Signer{
		privateKey:    privateKey,
		address:       address,
		funderAddress: funder,
		chainID:       big.NewInt(int64(cfg.ChainID)),
		sigType:       cfg.SignatureType,
		creds: Credentials{
			ApiKey:     venue.ApiKey,
			Secret:     venue.Secret,
			Passphrase: venue.Passphrase,
		},
	}, nil
}

func (s *Signer) Address() common.Address       { return s.address }
func (s *Signer) ChainID() *big.Int             { return s.chainID }
func (s *Signer) FunderAddress() common.Address { return s.funderAddress }

func (s *Signer) HasL2Credentials() bool {
	return s.creds.ApiKey != "" && s.creds.Secret != "" && s.creds.Passphrase != ""
}

func (s *Signer) SetCredentials(creds Credentials) { s.creds = creds }

// L1Headers generates headers for L1-authenticated endpoints (key management).
func (s *Signer) L1Headers(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := s.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":   s.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.Itoa(nonce),
	}, nil
}

// L2Headers generates headers for L2-authenticated trading endpoints.
func (s *Signer) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := s.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":    s.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    s.creds.ApiKey,
		"POLY_PASSPHRASE": s.creds.Passphrase,
	}, nil
}

// WSAuthPayload returns credentials for the authenticated user WebSocket
// channel, satisfying internal/venuefeed.AuthPayload.
func (s *Signer) WSAuthPayload() any {
	return &wsAuth{
		ApiKey:     s.creds.ApiKey,
		Secret:     s.creds.Secret,
		Passphrase: s.creds.Passphrase,
	}
}

func (s *Signer) signClobAuth(timestamp string, nonce int) (string, error) {
	sig, err := s.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   s.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
		"ClobAuth",
	)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	return "0x" + common.Bytes2Hex(sig), nil
}

// SignTypedData signs EIP-712 typed data and normalizes V to 27/28.
func (s *Signer) SignTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// buildHMAC computes the HMAC-SHA256 signature for L2 auth.
// message = timestamp + method + requestPath [+ body]
func (s *Signer) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(s.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// OrderAmounts converts a human-readable price and size into the
// makerAmount/takerAmount pair the venue expects, scaled to 1e6 (USDC has
// 6 decimals). For BUY orders the maker leg is the USDC cost and the
// taker leg is the token quantity received; for SELL it's reversed.
func OrderAmounts(price, size types.Price, action types.Action, tick types.TickSize) (makerAmt, takerAmt *big.Int) {
	scale := new(big.Float).SetFloat64(1e6)
	amtDecimals := tick.Decimals()

	sizeRounded := size.Decimal().Truncate(2)
	priceDec := price.Decimal()

	switch action {
	case types.ActionBuy:
		cost := sizeRounded.Mul(priceDec).Truncate(amtDecimals)
		costF, _ := cost.Float64()
		sizeF, _ := sizeRounded.Float64()
		makerF := new(big.Float).Mul(new(big.Float).SetFloat64(costF), scale)
		makerAmt, _ = makerF.Int(nil)
		takerF := new(big.Float).Mul(new(big.Float).SetFloat64(sizeF), scale)
		takerAmt, _ = takerF.Int(nil)
	case types.ActionSell:
		sizeF, _ := sizeRounded.Float64()
		makerF := new(big.Float).Mul(new(big.Float).SetFloat64(sizeF), scale)
		makerAmt, _ = makerF.Int(nil)
		revenue := sizeRounded.Mul(priceDec).Truncate(amtDecimals)
		revenueF, _ := revenue.Float64()
		takerF := new(big.Float).Mul(new(big.Float).SetFloat64(revenueF), scale)
		takerAmt, _ = takerF.Int(nil)
	}

	return makerAmt, takerAmt
}
