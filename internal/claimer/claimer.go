// Package claimer watches for resolved positions that can be redeemed
// for collateral and, when auto-claim is enabled, submits the on-chain
// redeemPositions call against Polygon's ConditionalTokens contract.
//
// Ported from original_source's strategy/claimer.rs: the
// collapse-by-condition merge, the claimed-condition dedup set, the
// native-gas preflight before spending a transaction, and the
// min-claim-size dust filter are all carried over unchanged. Go-ethereum's
// ethclient + accounts/abi/bind replace alloy's sol! contract bindings —
// the ABI is hand-declared here rather than generated, since nothing in
// this module's build is allowed to run abigen.
package claimer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/internal/execution"
	"github.com/ploy-markets/ploy/pkg/types"
)

const (
	defaultConditionalTokensAddr = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	defaultCollateralAddr        = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	defaultMinNativeGasWei       = "5000000000000000" // 0.005 MATIC

	redeemPositionsABI = `[{"inputs":[{"internalType":"address","name":"collateralToken","type":"address"},{"internalType":"bytes32","name":"parentCollectionId","type":"bytes32"},{"internalType":"bytes32","name":"conditionId","type":"bytes32"},{"internalType":"uint256[]","name":"indexSets","type":"uint256[]"}],"name":"redeemPositions","outputs":[],"stateMutability":"nonpayable","type":"function"}]`
)

// RedeemablePosition is one condition's worth of resolved, winning shares.
type RedeemablePosition struct {
	ConditionID string
	TokenID     string
	Outcome     string
	Size        types.Price
	Payout      types.Price
	NegRisk     bool
}

// ClaimResult reports the outcome of one redeemPositions attempt.
type ClaimResult struct {
	ConditionID   string
	AmountClaimed types.Price
	TxHash        string
	Success       bool
	Error         string
}

// VenuePositions is the subset of internal/execution.Client the claimer
// needs: a Data API positions read to discover redeemable balances.
type VenuePositions interface {
	GetPositions(ctx context.Context) ([]execution.Position, error)
}

// RedemptionStore is the subset of internal/store.Store the claimer
// writes redemption attempts/confirmations to.
type RedemptionStore interface {
	UpsertRedemption(ctx context.Context, conditionID string, tokenIDs, amounts []string, txHash, status string) error
}

// Claimer periodically checks for and redeems resolved positions.
type Claimer struct {
	cfg    config.ClaimerConfig
	venue  VenuePositions
	store  RedemptionStore
	eth    *ethclient.Client
	priv   *ecdsa.PrivateKey
	addr   common.Address
	chain  *big.Int
	ctAddr common.Address
	colAdr common.Address
	ctABI  abi.ABI

	mu      sync.Mutex
	claimed map[string]struct{}

	logger *slog.Logger
}

// New connects to the configured Polygon RPC and prepares a claimer. If
// cfg.AutoClaim is false the ethclient dial is skipped entirely — the
// claimer only reports redeemable positions in that mode.
func New(ctx context.Context, cfg config.ClaimerConfig, wallet config.WalletConfig, venue VenuePositions, store RedemptionStore, logger *slog.Logger) (*Claimer, error) {
	parsedABI, err := abi.JSON(strings.NewReader(redeemPositionsABI))
	if err != nil {
		return nil, fmt.Errorf("parse conditional tokens abi: %w", err)
	}

	ctAddrStr := cfg.ConditionalTokensAddr
	if ctAddrStr == "" {
		ctAddrStr = defaultConditionalTokensAddr
	}
	colAddrStr := cfg.CollateralAddr
	if colAddrStr == "" {
		colAddrStr = defaultCollateralAddr
	}

	c := &Claimer{
		cfg:     cfg,
		venue:   venue,
		store:   store,
		ctAddr:  common.HexToAddress(ctAddrStr),
		colAdr:  common.HexToAddress(colAddrStr),
		ctABI:   parsedABI,
		claimed: make(map[string]struct{}),
		logger:  logger.With("component", "claimer"),
	}

	if !cfg.AutoClaim {
		return c, nil
	}

	keyHex := strings.TrimPrefix(wallet.PrivateKey, "0x")
	priv, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse claimer private key: %w", err)
	}
	c.priv = priv
	c.addr = crypto.PubkeyToAddress(priv.PublicKey)
	c.chain = big.NewInt(int64(wallet.ChainID))

	eth, err := ethclient.DialContext(ctx, wallet.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial polygon rpc: %w", err)
	}
	c.eth = eth

	return c, nil
}

// Run drives the check-and-claim loop until ctx is cancelled.
func (c *Claimer) Run(ctx context.Context) error {
	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			results, err := c.CheckAndClaim(ctx)
			if err != nil {
				c.logger.Error("check redeemable positions failed", "err", err)
				continue
			}
			for _, r := range results {
				if r.Success {
					c.logger.Info("claimed position", "condition", shortID(r.ConditionID), "amount", r.AmountClaimed.Float64())
				} else {
					c.logger.Warn("claim failed", "condition", shortID(r.ConditionID), "err", r.Error)
				}
			}
		}
	}
}

// CheckAndClaim fetches redeemable positions, collapses duplicate rows
// per condition, and claims each one not already claimed this run (unless
// auto-claim is off, in which case it only logs the opportunity).
func (c *Claimer) CheckAndClaim(ctx context.Context) ([]ClaimResult, error) {
	positions, err := c.getRedeemablePositions(ctx)
	if err != nil {
		return nil, err
	}
	positions = collapsePositionsByCondition(positions)
	if len(positions) == 0 {
		return nil, nil
	}

	if c.cfg.AutoClaim {
		ok, err := c.preflightWalletCanClaim(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
	}

	minClaim := types.PriceFromFloat(c.cfg.MinClaimSizeUSD)
	var results []ClaimResult

	for _, pos := range positions {
		if c.isClaimed(pos.ConditionID) {
			continue
		}
		if pos.Payout.LessThan(minClaim) {
			c.logger.Debug("skipping dust redemption", "condition", shortID(pos.ConditionID), "payout", pos.Payout.Float64())
			continue
		}

		c.logger.Info("redeemable position found", "outcome", pos.Outcome, "size", pos.Size.Float64(), "condition", shortID(pos.ConditionID))

		if !c.cfg.AutoClaim {
			c.logger.Info("dry-run: would claim", "payout", pos.Payout.Float64(), "condition", shortID(pos.ConditionID))
			continue
		}

		txHash, err := c.claimPosition(ctx, pos)
		result := ClaimResult{ConditionID: pos.ConditionID, AmountClaimed: pos.Payout}
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.TxHash = txHash
			c.markClaimed(pos.ConditionID)
		}
		c.recordRedemption(ctx, pos, result)
		results = append(results, result)
	}

	return results, nil
}

func (c *Claimer) recordRedemption(ctx context.Context, pos RedeemablePosition, result ClaimResult) {
	status := "failed"
	if result.Success {
		status = "confirmed"
	}
	if err := c.store.UpsertRedemption(ctx, pos.ConditionID, []string{pos.TokenID}, []string{pos.Payout.Decimal().String()}, result.TxHash, status); err != nil {
		c.logger.Warn("record redemption failed", "condition", shortID(pos.ConditionID), "err", err)
	}
}

func (c *Claimer) isClaimed(conditionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.claimed[conditionID]
	return ok
}

func (c *Claimer) markClaimed(conditionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed[conditionID] = struct{}{}
}

// collapsePositionsByCondition merges multiple redeemable rows for the
// same condition into one claim attempt — a condition-level redeem burns
// all index-set balances at once, so one row per condition avoids
// duplicate claims against split Data API rows.
func collapsePositionsByCondition(positions []RedeemablePosition) []RedeemablePosition {
	merged := make(map[string]RedeemablePosition, len(positions))
	order := make([]string, 0, len(positions))

	for _, pos := range positions {
		existing, ok := merged[pos.ConditionID]
		if !ok {
			merged[pos.ConditionID] = pos
			order = append(order, pos.ConditionID)
			continue
		}
		existing.Size = existing.Size.Add(pos.Size)
		existing.Payout = existing.Payout.Add(pos.Payout)
		existing.NegRisk = existing.NegRisk || pos.NegRisk
		if existing.Outcome == "" && pos.Outcome != "" {
			existing.Outcome = pos.Outcome
		}
		merged[pos.ConditionID] = existing
	}

	sort.Strings(order)
	out := make([]RedeemablePosition, 0, len(order))
	for _, id := range order {
		out = append(out, merged[id])
	}
	return out
}

func (c *Claimer) getRedeemablePositions(ctx context.Context) ([]RedeemablePosition, error) {
	rows, err := c.venue.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	var redeemable []RedeemablePosition
	for _, row := range rows {
		size, err := types.NewPrice(row.Size)
		if err != nil || size.Float64() <= 0 {
			continue
		}

		isWinner := false
		if price, err := strconv.ParseFloat(row.CurPrice, 64); err == nil {
			isWinner = price > 0.99
		}

		if !row.Redeemable && !(c.cfg.AllowPriceFallback && isWinner) {
			continue
		}
		if row.ConditionID == "" {
			c.logger.Warn("skipping redeemable position with missing condition id", "outcome", row.Outcome)
			continue
		}

		redeemable = append(redeemable, RedeemablePosition{
			ConditionID: row.ConditionID,
			TokenID:     row.TokenID,
			Outcome:     row.Outcome,
			Size:        size,
			Payout:      size, // each winning share redeems for $1
			NegRisk:     row.NegativeRisk,
		})
	}
	return redeemable, nil
}

// preflightWalletCanClaim checks the signer's native MATIC balance covers
// gas before spending a transaction on a redeem attempt.
func (c *Claimer) preflightWalletCanClaim(ctx context.Context) (bool, error) {
	balance, err := c.eth.BalanceAt(ctx, c.addr, nil)
	if err != nil {
		return false, fmt.Errorf("read claimer wallet balance: %w", err)
	}

	minWei := c.cfg.MinNativeGasWei
	if minWei == "" {
		minWei = defaultMinNativeGasWei
	}
	minBalance, ok := new(big.Int).SetString(minWei, 10)
	if !ok {
		minBalance, _ = new(big.Int).SetString(defaultMinNativeGasWei, 10)
	}

	if balance.Cmp(minBalance) < 0 {
		c.logger.Warn("auto-claim paused: insufficient gas balance",
			"wallet", c.addr.Hex(), "balance_wei", balance.String(), "min_wei", minBalance.String())
		return false, nil
	}
	return true, nil
}

// claimPosition calls ConditionalTokens.redeemPositions for one condition,
// burning both binary outcome index sets (1 = UP, 2 = DOWN).
func (c *Claimer) claimPosition(ctx context.Context, pos RedeemablePosition) (string, error) {
	conditionHex := strings.TrimPrefix(strings.TrimPrefix(pos.ConditionID, "0x"), "0X")
	conditionBytes, err := hex.DecodeString(conditionHex)
	if err != nil || len(conditionBytes) != 32 {
		return "", fmt.Errorf("invalid condition id %q", pos.ConditionID)
	}
	var conditionID [32]byte
	copy(conditionID[:], conditionBytes)

	var parentCollectionID [32]byte
	indexSets := []*big.Int{big.NewInt(1), big.NewInt(2)}

	contract := bind.NewBoundContract(c.ctAddr, c.ctABI, c.eth, c.eth, c.eth)

	opts, err := bind.NewKeyedTransactorWithChainID(c.priv, c.chain)
	if err != nil {
		return "", fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	c.logger.Info("calling redeemPositions", "condition", shortID(conditionHex), "neg_risk", pos.NegRisk)

	tx, err := contract.Transact(opts, "redeemPositions", c.colAdr, parentCollectionID, conditionID, indexSets)
	if err != nil {
		return "", fmt.Errorf("redeem tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return "", fmt.Errorf("wait for redeem confirmation: %w", err)
	}

	txHash := receipt.TxHash.Hex()
	c.logger.Info("redeem successful", "tx", txHash)
	return txHash, nil
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
