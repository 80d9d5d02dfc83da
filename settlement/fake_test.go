package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/eip3009"
	"github.com/mark3labs/x402-facilitator/internal/paytest"
	"github.com/mark3labs/x402-facilitator/retry"
	"github.com/mark3labs/x402-facilitator/validation"
)

// jsonRPCError satisfies rpc.Error like a node's error response.
type jsonRPCError struct {
	code int
	msg  string
}

func (e *jsonRPCError) Error() string  { return e.msg }
func (e *jsonRPCError) ErrorCode() int { return e.code }

// fakeChain is an in-memory ChainClient.
type fakeChain struct {
	mu sync.Mutex

	chainID *big.Int
	used    bool
	callErr error

	estimate    uint64
	estimateErr error

	baseFee  *big.Int
	tip      *big.Int
	gasPrice *big.Int

	nonce    uint64
	sendErrs []error
	sent     []*types.Transaction

	// receiptAfter is how many polls return NotFound first; negative never
	// returns a receipt.
	receiptAfter  int
	receiptStatus uint64
	receiptBlock  uint64
	polls         int

	head     uint64
	headStep uint64

	calls map[string]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:       big.NewInt(8453),
		estimate:      100_000,
		baseFee:       big.NewInt(1_000_000_000),
		tip:           big.NewInt(100_000_000),
		gasPrice:      big.NewInt(2_000_000_000),
		receiptStatus: types.ReceiptStatusSuccessful,
		receiptBlock:  10,
		head:          10,
		calls:         make(map[string]int),
	}
}

func (f *fakeChain) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeChain) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CallContract"]++
	if f.callErr != nil {
		return nil, f.callErr
	}
	return eip3009.ABI().Methods["authorizationState"].Outputs.Pack(f.used)
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PendingNonceAt"]++
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SuggestGasPrice"]++
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SuggestGasTipCap"]++
	return new(big.Int).Set(f.tip), nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, _ *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["HeaderByNumber"]++
	h := &types.Header{Number: new(big.Int).SetUint64(f.head)}
	if f.baseFee != nil {
		h.BaseFee = new(big.Int).Set(f.baseFee)
	}
	return h, nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, _ ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["EstimateGas"]++
	return f.estimate, f.estimateErr
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SendTransaction"]++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		var rejected *jsonRPCError
		if errors.As(err, &rejected) && rejected.msg != "already known" {
			return err
		}
		f.sent = append(f.sent, tx)
		f.nonce++
		return err
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["TransactionReceipt"]++
	f.polls++
	if f.receiptAfter < 0 || f.polls <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status:      f.receiptStatus,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(f.receiptBlock),
	}, nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["BlockNumber"]++
	f.head += f.headStep
	return f.head, nil
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ChainID"]++
	return new(big.Int).Set(f.chainID), nil
}

var fastRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
	Multiplier:   2,
}

func testConfig() NetworkConfig {
	return NetworkConfig{
		Network:      x402.NetworkBase,
		RPCURL:       "http://localhost:8545",
		PollInterval: time.Millisecond,
		Retry:        fastRetry,
	}
}

func testRelayer(t *testing.T) *Relayer {
	t.Helper()
	// Second anvil development key.
	r, err := NewRelayer(WithPrivateKey("0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"))
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}
	return r
}

func newTestEVM(t *testing.T, cfg NetworkConfig, chain *fakeChain) *EVM {
	t.Helper()
	e, err := NewEVM(cfg, chain, testRelayer(t))
	if err != nil {
		t.Fatalf("NewEVM: %v", err)
	}
	return e
}

func testPayment(t *testing.T) (*validation.Payment, *validation.Requirements) {
	t.Helper()
	payload := paytest.Sign(t, paytest.Payment{Network: x402.NetworkBase, Value: 1_000_000})
	p, err := validation.ParsePayment(payload)
	if err != nil {
		t.Fatalf("ParsePayment: %v", err)
	}
	req, err := validation.ParseRequirements(paytest.Requirements(x402.NetworkBase, 1_000_000))
	if err != nil {
		t.Fatalf("ParseRequirements: %v", err)
	}
	return p, req
}
