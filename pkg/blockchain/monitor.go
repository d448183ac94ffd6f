// Package blockchain watches BEP-20 USDT transfers on BNB Smart Chain
// and hands each detected transfer to the Monitor's Sink callback; it
// does not publish to the Queue Bus itself. The ERC-20 Transfer
// log-matching core — topic-hash comparison against
// Keccak256("Transfer(address,address,uint256)") and the
// address/amount decode that follows — is kept close to the teacher's
// VerifyBSCUSDTransfer, expanded from a one-shot txHash lookup into a
// standing dual-source watcher (log subscription + polling cursor).
package blockchain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/oxzoid/gatewaycore/pkg/gwerr"
	"github.com/oxzoid/gatewaycore/pkg/money"
)

// transferSigHash is Keccak256("Transfer(address,address,uint256)"),
// the ERC-20/BEP-20 Transfer event topic.
var transferSigHash = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Transfer is a decoded BEP-20 Transfer log entry.
type Transfer struct {
	TxHash      string
	From        string
	To          string
	RawAmount   *big.Int
	BlockNumber uint64
	BlockHash   string
	LogIndex    uint
}

// Config parameterizes a Monitor.
type Config struct {
	RPCURL                string
	WSURL                 string // optional; push subscription is skipped if empty
	ContractAddress       string
	TokenDecimals         int32
	RequiredConfirmations int
	ReorgRewindBlocks     uint64 // blocks to re-scan behind the last seen head, absorbing shallow reorgs
	MaxConcurrentFetches  int64
	PollInterval          time.Duration
}

// Monitor polls (and, when configured, subscribes to) BEP-20 Transfer
// logs for Config.ContractAddress and hands decoded transfers to Sink.
type Monitor struct {
	cfg    Config
	client *ethclient.Client
	wsConn *ethclient.Client
	sem    *semaphore.Weighted
	log    zerolog.Logger

	// Sink receives every Transfer decoded from either source. It must be
	// idempotent: the same transfer may arrive twice (once from the push
	// subscription, once from the poll cursor's overlap window).
	Sink func(context.Context, Transfer) error

	lastPolledBlock uint64
}

// New dials the configured RPC endpoint. The websocket endpoint, if
// given, is dialed lazily on first Run call so a misconfigured push
// endpoint never blocks startup — the poll loop alone satisfies §4.2's
// detection guarantee.
func New(cfg Config, log zerolog.Logger) (*Monitor, error) {
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.External, gwerr.CodeRPCUnavailable, "failed to dial BSC RPC endpoint", err)
	}
	return &Monitor{
		cfg:    cfg,
		client: client,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentFetches),
		log:    log,
	}, nil
}

// Run drives both detection sources until ctx is cancelled. The poll
// loop is mandatory; the push subscription is best-effort and
// reconnects with exponential backoff on failure.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.WSURL != "" {
		go m.runPushWithBackoff(ctx)
	}
	return m.runPoll(ctx)
}

func (m *Monitor) runPushWithBackoff(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 2 * time.Minute
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := m.runPushOnce(ctx); err != nil {
			m.log.Warn().Err(err).Dur("backoff", backoff).Msg("push subscription failed, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (m *Monitor) runPushOnce(ctx context.Context) error {
	if m.wsConn == nil {
		conn, err := ethclient.Dial(m.cfg.WSURL)
		if err != nil {
			return gwerr.Wrap(gwerr.External, gwerr.CodeRPCUnavailable, "failed to dial BSC websocket endpoint", err)
		}
		m.wsConn = conn
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(m.cfg.ContractAddress)},
		Topics:    [][]common.Hash{{transferSigHash}},
	}
	logs := make(chan types.Log, 256)
	sub, err := m.wsConn.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return gwerr.Wrap(gwerr.External, gwerr.CodeRPCUnavailable, "failed to subscribe to Transfer logs", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return gwerr.Wrap(gwerr.External, gwerr.CodeRPCUnavailable, "log subscription error", err)
		case vLog := <-logs:
			m.handleLog(ctx, vLog)
		}
	}
}

// runPoll advances a block-height cursor, re-scanning ReorgRewindBlocks
// behind the last seen head on every tick to absorb shallow reorgs.
func (m *Monitor) runPoll(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			head, err := m.client.BlockNumber(ctx)
			if err != nil {
				m.log.Warn().Err(err).Dur("backoff", backoff).Msg("failed to fetch chain head, backing off")
				time.Sleep(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second

			confirmedHead := head - uint64(m.cfg.RequiredConfirmations)
			from := m.lastPolledBlock
			if from == 0 {
				from = confirmedHead
			} else if from > m.cfg.ReorgRewindBlocks {
				from -= m.cfg.ReorgRewindBlocks
			} else {
				from = 0
			}
			if from > confirmedHead {
				continue
			}

			if err := m.scanRange(ctx, from, confirmedHead); err != nil {
				m.log.Warn().Err(err).Uint64("from", from).Uint64("to", confirmedHead).Msg("poll scan failed")
				continue
			}
			m.lastPolledBlock = confirmedHead
		}
	}
}

func (m *Monitor) scanRange(ctx context.Context, from, to uint64) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(m.cfg.ContractAddress)},
		Topics:    [][]common.Hash{{transferSigHash}},
	}
	logsFound, err := m.client.FilterLogs(ctx, query)
	if err != nil {
		return gwerr.Wrap(gwerr.External, gwerr.CodeRPCUnavailable, "failed to filter logs", err)
	}
	for _, vLog := range logsFound {
		m.handleLog(ctx, vLog)
	}
	return nil
}

func (m *Monitor) handleLog(ctx context.Context, vLog types.Log) {
	t, err := decodeTransfer(vLog)
	if err != nil {
		m.log.Debug().Err(err).Msg("skipping undecodable log")
		return
	}
	if m.Sink == nil {
		return
	}
	if err := m.Sink(ctx, *t); err != nil {
		m.log.Error().Err(err).Str("tx_hash", t.TxHash).Msg("sink rejected transfer")
	}
}

// decodeTransfer parses a raw Transfer(address,address,uint256) log
// into a Transfer, matching the teacher's topic/amount decode exactly.
func decodeTransfer(vLog types.Log) (*Transfer, error) {
	if len(vLog.Topics) != 3 || vLog.Topics[0] != transferSigHash {
		return nil, gwerr.New(gwerr.Validation, "NOT_A_TRANSFER_LOG", "log is not an ERC-20 Transfer event")
	}
	from := common.HexToAddress(vLog.Topics[1].Hex())
	to := common.HexToAddress(vLog.Topics[2].Hex())
	amount := new(big.Int).SetBytes(vLog.Data)
	return &Transfer{
		TxHash:      vLog.TxHash.Hex(),
		From:        strings.ToLower(from.Hex()),
		To:          strings.ToLower(to.Hex()),
		RawAmount:   amount,
		BlockNumber: vLog.BlockNumber,
		BlockHash:   vLog.BlockHash.Hex(),
		LogIndex:    vLog.Index,
	}, nil
}

// Amount converts the transfer's raw integer units to a money.Amount
// using the monitor's configured token decimals.
func (m *Monitor) Amount(t Transfer) (money.Amount, error) {
	return money.FromRawUnits(t.RawAmount.String(), m.cfg.TokenDecimals)
}
