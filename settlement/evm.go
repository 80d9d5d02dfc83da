// Package settlement submits verified EIP-3009 authorizations to the chain
// and classifies what happened.
//
// The facilitator's rollback decisions depend on one distinction above all:
// whether a transaction may have reached the network. Every Result carries
// that as Broadcast, and ambiguous sends count as broadcast.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/eip3009"
	"github.com/mark3labs/x402-facilitator/retry"
	"github.com/mark3labs/x402-facilitator/validation"
)

// ChainClient is the part of *ethclient.Client used for settlement.
type ChainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// Settler redeems authorizations on one or more networks.
type Settler interface {
	// Settle submits the transfer and waits for an outcome until ctx is done.
	Settle(ctx context.Context, p *validation.Payment, req *validation.Requirements) Result

	// AuthorizationUsed asks the token contract whether the nonce is spent.
	AuthorizationUsed(ctx context.Context, p *validation.Payment, req *validation.Requirements) (bool, error)
}

// EVM settles on a single EVM network through one relayer account.
type EVM struct {
	cfg     NetworkConfig
	chain   x402.ChainConfig
	client  ChainClient
	relayer *Relayer
	logger  *slog.Logger

	// sendMu serializes relayer nonce allocation and broadcast.
	sendMu sync.Mutex
}

// Option configures an EVM settler.
type Option func(*EVM) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *EVM) error {
		if logger == nil {
			return fmt.Errorf("settlement: logger cannot be nil")
		}
		e.logger = logger
		return nil
	}
}

// NewEVM creates a settler for cfg.Network.
func NewEVM(cfg NetworkConfig, client ChainClient, relayer *Relayer, opts ...Option) (*EVM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("settlement: %s: chain client is required", cfg.Network)
	}
	if relayer == nil {
		return nil, fmt.Errorf("%w: settlement: %s: relayer is required", x402.ErrInvalidKey, cfg.Network)
	}
	cfg = cfg.withDefaults()
	chain, _ := cfg.Network.Chain()

	e := &EVM{
		cfg:     cfg,
		chain:   chain,
		client:  client,
		relayer: relayer,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.logger = e.logger.With("network", string(cfg.Network))
	return e, nil
}

// Network returns the network this settler serves.
func (e *EVM) Network() x402.Network {
	return e.cfg.Network
}

// CheckChainID confirms the RPC endpoint serves the configured chain.
func (e *EVM) CheckChainID(ctx context.Context) error {
	id, err := e.client.ChainID(ctx)
	if err != nil {
		return rpcErr("chain id", err)
	}
	if id.Cmp(e.chain.ChainIDBig()) != 0 {
		return fmt.Errorf("%w: %s rpc reports chain id %s, want %d", x402.ErrFatal, e.cfg.Network, id, e.chain.ChainID)
	}
	return nil
}

// outcome is a pre-broadcast failure that ends the retry loop with a
// definite status.
type outcome struct {
	status Status
	reason string
	err    error
}

func (o *outcome) Error() string { return o.err.Error() }
func (o *outcome) Unwrap() error { return o.err }

func rpcErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", x402.ErrRPC, op, err)
}

func isRetryable(err error) bool {
	return errors.Is(err, x402.ErrRPC)
}

// Settle implements Settler.
func (e *EVM) Settle(ctx context.Context, p *validation.Payment, req *validation.Requirements) Result {
	log := e.logger.With("nonce", p.NonceHex(), "payer", p.From.Hex())

	calldata, err := eip3009.PackTransfer(p.Authorization(), p.Signature)
	if err != nil {
		return failed(Fatal, "encode_failed", fmt.Errorf("%w: %v", x402.ErrFatal, err))
	}

	policy := e.cfg.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("settlement attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	tx, err := retry.WithRetry(ctx, policy, isRetryable, func() (common.Hash, error) {
		return e.attempt(ctx, p, req, calldata)
	})
	if err != nil {
		res := classify(err)
		log.Warn("settlement failed before broadcast", "status", res.Status, "reason", res.Reason, "error", err)
		return res
	}

	log.Info("settlement transaction sent", "tx", tx.Hex())
	return e.awaitReceipt(ctx, tx, log)
}

// classify maps an error from the pre-broadcast loop to a Result.
func classify(err error) Result {
	var out *outcome
	switch {
	case errors.As(err, &out):
		return failed(out.status, out.reason, out.err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return failed(RPCError, "deadline_exceeded", fmt.Errorf("%w: %v", x402.ErrRPC, err))
	case errors.Is(err, retry.ErrMaxAttempts):
		return failed(Fatal, "retries_exhausted", fmt.Errorf("%w: %v", x402.ErrFatal, err))
	default:
		return failed(Fatal, "settlement_failed", fmt.Errorf("%w: %v", x402.ErrFatal, err))
	}
}

// attempt runs one pre-broadcast pass. A nil error means the transaction was
// sent or may have been.
func (e *EVM) attempt(ctx context.Context, p *validation.Payment, req *validation.Requirements, data []byte) (common.Hash, error) {
	asset := req.Asset
	used, err := e.authorizationUsed(ctx, asset, p)
	if err != nil {
		return common.Hash{}, err
	}
	if used {
		return common.Hash{}, &outcome{
			status: Reverted,
			reason: "authorization_already_used",
			err:    fmt.Errorf("%w: authorization %s already used on-chain", x402.ErrReverted, p.NonceHex()),
		}
	}

	msg := ethereum.CallMsg{From: e.relayer.Address(), To: &asset, Data: data}
	gas, err := e.gasLimit(ctx, msg, req.GasLimit)
	if err != nil {
		return common.Hash{}, err
	}
	fees, err := e.fees(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.relayer.Address())
	if err != nil {
		return common.Hash{}, rpcErr("pending nonce", err)
	}
	tx, err := e.relayer.SignTx(fees.tx(e.chain.ChainIDBig(), nonce, gas, asset, data), e.chain.ChainIDBig())
	if err != nil {
		return common.Hash{}, err
	}
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}

	if err := e.client.SendTransaction(ctx, tx); err != nil {
		if sendRejected(err) {
			return common.Hash{}, rpcErr("send transaction", err)
		}
		e.logger.Warn("send outcome ambiguous, treating as broadcast", "tx", tx.Hash().Hex(), "error", err)
	}
	return tx.Hash(), nil
}

// sendRejected reports whether the node definitely refused the transaction.
// Transport failures and duplicate-submission answers are ambiguous.
func sendRejected(err error) bool {
	var rpcError rpc.Error
	if !errors.As(err, &rpcError) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return !strings.Contains(msg, "already known") && !strings.Contains(msg, "known transaction")
}

func isExecutionReverted(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// gasLimit picks the requirements' override, then the configured limit, then
// a padded estimate.
func (e *EVM) gasLimit(ctx context.Context, msg ethereum.CallMsg, override uint64) (uint64, error) {
	if override > 0 {
		return override, nil
	}
	if e.cfg.Gas.GasLimit > 0 {
		return e.cfg.Gas.GasLimit, nil
	}
	est, err := e.client.EstimateGas(ctx, msg)
	if err != nil {
		if isExecutionReverted(err) {
			return 0, &outcome{
				status: Reverted,
				reason: "execution_reverted",
				err:    fmt.Errorf("%w: estimate gas: %v", x402.ErrReverted, err),
			}
		}
		return 0, rpcErr("estimate gas", err)
	}
	return est + est*e.cfg.Gas.GasLimitBuffer/100, nil
}

// feeQuote holds either dynamic or legacy pricing.
type feeQuote struct {
	tipCap   *big.Int
	feeCap   *big.Int
	gasPrice *big.Int
}

func (f feeQuote) tx(chainID *big.Int, nonce, gas uint64, to common.Address, data []byte) *types.Transaction {
	if f.feeCap != nil {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: f.tipCap,
			GasFeeCap: f.feeCap,
			Gas:       gas,
			To:        &to,
			Value:     new(big.Int),
			Data:      data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: f.gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
}

// fees prices the transaction. Dynamic mode falls back to legacy on chains
// without a base fee.
func (e *EVM) fees(ctx context.Context) (feeQuote, error) {
	gas := e.cfg.Gas
	if gas.Mode == GasDynamic {
		head, err := e.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return feeQuote{}, rpcErr("latest header", err)
		}
		if head.BaseFee != nil {
			tip, err := e.client.SuggestGasTipCap(ctx)
			if err != nil {
				return feeQuote{}, rpcErr("suggest tip", err)
			}
			if gas.TipCapGwei > 0 && tip.Cmp(gwei(gas.TipCapGwei)) > 0 {
				tip = gwei(gas.TipCapGwei)
			}
			feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
			if gas.MaxFeeGwei > 0 && feeCap.Cmp(gwei(gas.MaxFeeGwei)) > 0 {
				feeCap = gwei(gas.MaxFeeGwei)
			}
			if tip.Cmp(feeCap) > 0 {
				tip = feeCap
			}
			return feeQuote{tipCap: tip, feeCap: feeCap}, nil
		}
	}
	price, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return feeQuote{}, rpcErr("suggest gas price", err)
	}
	return feeQuote{gasPrice: percent(price, gas.PriceMultiplier)}, nil
}

// awaitReceipt polls until the transaction is confirmed, reverts, or ctx is done.
func (e *EVM) awaitReceipt(ctx context.Context, tx common.Hash, log *slog.Logger) Result {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if res, done := e.checkReceipt(ctx, tx, log); done {
			return res
		}
		select {
		case <-ctx.Done():
			log.Warn("no receipt before deadline", "tx", tx.Hex())
			return Result{
				Status:    TimedOut,
				TxHash:    tx,
				Reason:    "receipt_timeout",
				Broadcast: true,
				Err:       fmt.Errorf("%w: no receipt for %s: %v", x402.ErrTimeout, tx.Hex(), ctx.Err()),
			}
		case <-ticker.C:
		}
	}
}

func (e *EVM) checkReceipt(ctx context.Context, tx common.Hash, log *slog.Logger) (Result, bool) {
	receipt, err := e.client.TransactionReceipt(ctx, tx)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			log.Debug("receipt poll failed", "tx", tx.Hex(), "error", err)
		}
		return Result{}, false
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		log.Warn("settlement transaction reverted", "tx", tx.Hex())
		return Result{
			Status:    Reverted,
			TxHash:    tx,
			Reason:    "execution_reverted",
			Broadcast: true,
			Err:       fmt.Errorf("%w: transaction %s reverted", x402.ErrReverted, tx.Hex()),
		}, true
	}

	if depth := e.cfg.ConfirmationDepth; depth > 1 && receipt.BlockNumber != nil {
		head, err := e.client.BlockNumber(ctx)
		if err != nil {
			return Result{}, false
		}
		if head+1 < receipt.BlockNumber.Uint64()+depth {
			return Result{}, false
		}
	}

	log.Info("settlement confirmed", "tx", tx.Hex())
	return confirmed(tx), true
}

// AuthorizationUsed implements Settler.
func (e *EVM) AuthorizationUsed(ctx context.Context, p *validation.Payment, req *validation.Requirements) (bool, error) {
	return e.authorizationUsed(ctx, req.Asset, p)
}

func (e *EVM) authorizationUsed(ctx context.Context, asset common.Address, p *validation.Payment) (bool, error) {
	data, err := eip3009.PackAuthorizationState(p.Authorization())
	if err != nil {
		return false, &outcome{status: Fatal, reason: "encode_failed", err: fmt.Errorf("%w: %v", x402.ErrFatal, err)}
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &asset, Data: data}, nil)
	if err != nil {
		return false, rpcErr("authorizationState", err)
	}
	used, err := eip3009.UnpackAuthorizationState(out)
	if err != nil {
		return false, rpcErr("authorizationState", err)
	}
	return used, nil
}

var _ Settler = (*EVM)(nil)
