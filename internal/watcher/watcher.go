// Package watcher observes ERC-20 Approval events over JSON-RPC.
//
// It implements ingest.Provider: a polling log filter serves the live
// stream, and block-range log queries serve REST-style backfill.
package watcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alphawhale/guardian/internal/approval"
)

// ERC20 Approval event signature: Approval(owner, spender, value)
var approvalEventSig = common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925")

// maxUint256 is the conventional "unlimited" allowance value.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Config for the approval watcher.
type Config struct {
	Name         string // provider name for logs and metrics
	RPCURL       string
	Tokens       []common.Address // empty = all token contracts
	PollInterval time.Duration
	BlockTime    time.Duration // average block interval, for time-range estimation
	StartBlock   uint64        // 0 = latest
}

// DefaultConfig returns settings tuned for Base.
func DefaultConfig() Config {
	return Config{
		Name:         "rpc",
		PollInterval: 5 * time.Second,
		BlockTime:    2 * time.Second,
		StartBlock:   0,
	}
}

// ChainClient is the subset of ethclient the watcher uses.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Watcher turns on-chain Approval logs into approval records.
type Watcher struct {
	client ChainClient
	config Config

	mu        sync.Mutex
	lastBlock uint64
}

// New dials the RPC endpoint and creates a watcher.
func New(cfg Config) (*Watcher, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("watcher: connect to RPC: %w", err)
	}
	return NewWithClient(cfg, client), nil
}

// NewWithClient creates a watcher over an existing client.
func NewWithClient(cfg Config, client ChainClient) *Watcher {
	return &Watcher{client: client, config: cfg}
}

// Name implements ingest.Provider.
func (w *Watcher) Name() string {
	return w.config.Name
}

// Stream polls for new Approval logs and sends records on out until
// ctx is cancelled. A failed poll returns the error so the caller can
// back off and reconnect.
func (w *Watcher) Stream(ctx context.Context, chain string, out chan<- *approval.Record) error {
	if err := w.initLastBlock(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.poll(ctx, chain, out); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) initLastBlock(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lastBlock != 0 {
		return nil
	}
	if w.config.StartBlock != 0 {
		w.lastBlock = w.config.StartBlock
		return nil
	}
	block, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("watcher: get block number: %w", err)
	}
	w.lastBlock = block
	return nil
}

func (w *Watcher) poll(ctx context.Context, chain string, out chan<- *approval.Record) error {
	current, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("watcher: get block number: %w", err)
	}

	w.mu.Lock()
	last := w.lastBlock
	w.mu.Unlock()
	if current <= last {
		return nil
	}

	logs, err := w.filterApprovals(ctx, last+1, current)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, vLog := range logs {
		rec, err := w.recordFromLog(chain, vLog, now)
		if err != nil {
			continue // malformed log, skip
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- rec:
		}
	}

	w.mu.Lock()
	w.lastBlock = current
	w.mu.Unlock()
	return nil
}

// Backfill fetches historical Approval logs for [from, to). Block
// heights for the time range are estimated from the configured block
// interval; the estimate overshoots slightly rather than missing
// events, and dedup downstream absorbs the overlap.
func (w *Watcher) Backfill(ctx context.Context, chain string, from, to time.Time) ([]*approval.Record, error) {
	head, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("watcher: get head: %w", err)
	}
	headTime := time.Unix(int64(head.Time), 0).UTC()
	headNum := head.Number.Uint64()

	fromBlock := w.estimateBlock(headNum, headTime, from)
	toBlock := w.estimateBlock(headNum, headTime, to)
	if toBlock <= fromBlock {
		return nil, nil
	}

	logs, err := w.filterApprovals(ctx, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	records := make([]*approval.Record, 0, len(logs))
	for _, vLog := range logs {
		rec, err := w.recordFromLog(chain, vLog, to)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// estimateBlock maps a timestamp to an approximate block height.
func (w *Watcher) estimateBlock(headNum uint64, headTime, at time.Time) uint64 {
	if !at.Before(headTime) {
		return headNum
	}
	behind := uint64(headTime.Sub(at) / w.config.BlockTime)
	if behind >= headNum {
		return 0
	}
	return headNum - behind
}

func (w *Watcher) filterApprovals(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: w.config.Tokens,
		Topics: [][]common.Hash{
			{approvalEventSig},
		},
	}
	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("watcher: filter logs: %w", err)
	}
	return logs, nil
}

// recordFromLog builds a raw approval record from one Approval log.
// Topics[1] = owner, Topics[2] = spender, Data = allowance value. The
// record carries only on-chain facts; the enricher fills trust and
// contract signals before storage.
func (w *Watcher) recordFromLog(chain string, vLog types.Log, observedAt time.Time) (*approval.Record, error) {
	if len(vLog.Topics) < 3 {
		return nil, fmt.Errorf("watcher: malformed approval event in tx %s", vLog.TxHash.Hex())
	}

	owner := common.HexToAddress(vLog.Topics[1].Hex())
	spender := common.HexToAddress(vLog.Topics[2].Hex())
	value := new(big.Int).SetBytes(vLog.Data)

	var amount approval.Amount
	if value.Cmp(maxUint256) == 0 {
		amount = approval.UnlimitedAmount()
	} else {
		amount = approval.BoundedAmount(decimal.NewFromBigInt(value, 0))
	}

	return &approval.Record{
		Wallet:     strings.ToLower(owner.Hex()),
		Chain:      chain,
		Token:      strings.ToLower(vLog.Address.Hex()),
		Spender:    strings.ToLower(spender.Hex()),
		TxHash:     vLog.TxHash.Hex(),
		Amount:     amount,
		ObservedAt: observedAt,
	}, nil
}
