package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is what the client needs from a node connection. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Options configure a Client.
type Options struct {
	RPCURL         string
	ChainID        int64 // zero means ask the node
	PrivateKey     string
	FactoryAddress string
	ReceiptPoll    time.Duration
}

// Client implements Ledger over an Ethereum JSON-RPC endpoint.
type Client struct {
	backend     Backend
	chainID     *big.Int
	key         *ecdsa.PrivateKey
	from        common.Address
	factory     common.Address
	receiptPoll time.Duration
}

// Dial connects to the node and prepares the signer, if a key is configured.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c, err := NewClient(ctx, eth, opts)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an existing backend.
func NewClient(ctx context.Context, backend Backend, opts Options) (*Client, error) {
	c := &Client{
		backend:     backend,
		receiptPoll: opts.ReceiptPoll,
	}
	if c.receiptPoll <= 0 {
		c.receiptPoll = time.Second
	}
	if opts.ChainID > 0 {
		c.chainID = big.NewInt(opts.ChainID)
	} else {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chain id: %w", err)
		}
		c.chainID = id
	}
	if opts.PrivateKey != "" {
		key, err := crypto.HexToECDSA(opts.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	if opts.FactoryAddress != "" {
		if !common.IsHexAddress(opts.FactoryAddress) {
			return nil, fmt.Errorf("invalid factory address %q", opts.FactoryAddress)
		}
		c.factory = common.HexToAddress(opts.FactoryAddress)
	}
	return c, nil
}

// Account is the signer address; zero when the client is read-only.
func (c *Client) Account() common.Address {
	return c.from
}

func (c *Client) Factory() common.Address {
	return c.factory
}

// Close closes the backend connection when it owns one.
func (c *Client) Close() {
	if cl, ok := c.backend.(interface{ Close() }); ok {
		cl.Close()
	}
}

func (c *Client) call(ctx context.Context, addr common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	bc := bind.NewBoundContract(addr, parsed, c.backend, c.backend, c.backend)
	var out []interface{}
	if err := bc.Call(&bind.CallOpts{Context: ctx, From: c.from}, &out, method, args...); err != nil {
		return nil, classify(parsed, fmt.Errorf("%s: %w", method, err))
	}
	return out, nil
}

func (c *Client) transact(ctx context.Context, addr common.Address, parsed abi.ABI, method string, args ...interface{}) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	bc := bind.NewBoundContract(addr, parsed, c.backend, c.backend, c.backend)
	tx, err := bc.Transact(opts, method, args...)
	if err != nil {
		return common.Hash{}, classify(parsed, fmt.Errorf("%s: %w", method, err))
	}
	return tx.Hash(), nil
}

func bigOut(out []interface{}, i int) *big.Int {
	if i >= len(out) {
		return new(big.Int)
	}
	return *abi.ConvertType(out[i], new(*big.Int)).(**big.Int)
}

func (c *Client) ReadAllowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error) {
	out, err := c.call(ctx, token, tokenABI, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return bigOut(out, 0), nil
}

func (c *Client) BalanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	out, err := c.call(ctx, token, tokenABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return bigOut(out, 0), nil
}

func (c *Client) Approve(ctx context.Context, spender, token common.Address, amount *big.Int) (common.Hash, error) {
	return c.transact(ctx, token, tokenABI, "approve", spender, amount)
}

func (c *Client) TokenMetadata(ctx context.Context, token common.Address) (TokenInfo, error) {
	info := TokenInfo{Address: token}
	out, err := c.call(ctx, token, tokenABI, "decimals")
	if err != nil {
		return info, err
	}
	info.Decimals = *abi.ConvertType(out[0], new(uint8)).(*uint8)
	out, err = c.call(ctx, token, tokenABI, "symbol")
	if err != nil {
		return info, err
	}
	info.Symbol = *abi.ConvertType(out[0], new(string)).(*string)
	return info, nil
}

func (c *Client) SubmitAnswer(ctx context.Context, contract common.Address, answerHash common.Hash, referrer *common.Address) (common.Hash, error) {
	if referrer != nil && *referrer != (common.Address{}) {
		return c.transact(ctx, contract, questionABI, "submitAnswerWithReferral", [32]byte(answerHash), *referrer)
	}
	return c.transact(ctx, contract, questionABI, "submitAnswer", [32]byte(answerHash))
}

// GetUserAnswer returns nil when the user has no onchain answer.
func (c *Client) GetUserAnswer(ctx context.Context, contract, user common.Address) (*UserAnswer, error) {
	out, err := c.call(ctx, contract, questionABI, "getUserAnswer", user)
	if err != nil {
		return nil, err
	}
	if len(out) < 4 {
		return nil, fmt.Errorf("getUserAnswer: unexpected output arity %d", len(out))
	}
	exists := *abi.ConvertType(out[0], new(bool)).(*bool)
	if !exists {
		return nil, nil
	}
	hash := *abi.ConvertType(out[1], new([32]byte)).(*[32]byte)
	return &UserAnswer{
		AnswerHash:  common.Hash(hash),
		AnswerIndex: bigOut(out, 2).Uint64(),
		SubmittedAt: time.Unix(bigOut(out, 3).Int64(), 0).UTC(),
	}, nil
}

func (c *Client) ClaimReward(ctx context.Context, contract common.Address) (common.Hash, error) {
	return c.transact(ctx, contract, questionABI, "claimReward")
}

func (c *Client) ClaimableAmount(ctx context.Context, contract, user common.Address) (*big.Int, error) {
	out, err := c.call(ctx, contract, questionABI, "getClaimableAmount", user)
	if err != nil {
		return nil, err
	}
	return bigOut(out, 0), nil
}

func (c *Client) EvaluateAnswers(ctx context.Context, contract common.Address, rankedIndices []uint64) (common.Hash, error) {
	idx := make([]*big.Int, len(rankedIndices))
	for i, v := range rankedIndices {
		idx[i] = new(big.Int).SetUint64(v)
	}
	return c.transact(ctx, contract, questionABI, "evaluateAnswers", idx)
}

func (c *Client) Evaluated(ctx context.Context, contract common.Address) (bool, error) {
	out, err := c.call(ctx, contract, questionABI, "evaluated")
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *Client) RewardPool(ctx context.Context, contract common.Address) (*big.Int, error) {
	out, err := c.call(ctx, contract, questionABI, "rewardPool")
	if err != nil {
		return nil, err
	}
	return bigOut(out, 0), nil
}

func (c *Client) CreateQuestion(ctx context.Context, p CreateQuestionParams) (common.Hash, error) {
	if c.factory == (common.Address{}) {
		return common.Hash{}, ErrNoFactory
	}
	return c.transact(ctx, c.factory, factoryABI, "createQuestion",
		p.Token,
		p.EntryFee,
		p.SeedAmount,
		new(big.Int).SetUint64(p.MaxWinners),
		big.NewInt(p.StartTime.Unix()),
		big.NewInt(p.EndTime.Unix()),
		big.NewInt(p.EvaluationDeadline.Unix()),
	)
}

func (c *Client) QuestionCount(ctx context.Context) (uint64, error) {
	if c.factory == (common.Address{}) {
		return 0, ErrNoFactory
	}
	out, err := c.call(ctx, c.factory, factoryABI, "questionCount")
	if err != nil {
		return 0, err
	}
	return bigOut(out, 0).Uint64(), nil
}

func (c *Client) IsWhitelisted(ctx context.Context, account common.Address) (bool, error) {
	if c.factory == (common.Address{}) {
		return false, ErrNoFactory
	}
	out, err := c.call(ctx, c.factory, factoryABI, "isWhitelisted", account)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// maxReceiptBackoff caps the delay between receipt polls after node errors.
const maxReceiptBackoff = 30 * time.Second

// WaitForReceipt polls until the transaction is mined. Node errors only slow
// the polling down; the wait ends on a receipt or when ctx is done. A reverted
// receipt is returned together with ErrTxReverted and, when the node can
// replay it, the decoded revert.
func (c *Client) WaitForReceipt(ctx context.Context, tx common.Hash) (*types.Receipt, error) {
	delay := c.receiptPoll
	var lastErr error
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			if reason := c.replayRevert(ctx, tx, receipt); reason != nil {
				return receipt, fmt.Errorf("%w: %w", ErrTxReverted, reason)
			}
			return receipt, fmt.Errorf("%w: %s", ErrTxReverted, tx.Hex())
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
			delay = min(delay*2, maxReceiptBackoff)
		default:
			delay = c.receiptPoll
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			if lastErr != nil {
				return nil, fmt.Errorf("receipt %s: %w (last node error: %v)", tx.Hex(), ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// SubmissionTx finds the transaction that recorded user's answer on contract.
func (c *Client) SubmissionTx(ctx context.Context, contract, user common.Address) (common.Hash, error) {
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics: [][]common.Hash{
			{questionABI.Events["AnswerSubmitted"].ID},
			{common.BytesToHash(user.Bytes())},
		},
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("filter AnswerSubmitted: %w", err)
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if !logs[i].Removed {
			return logs[i].TxHash, nil
		}
	}
	return common.Hash{}, fmt.Errorf("AnswerSubmitted for %s: %w", user.Hex(), ErrEventNotFound)
}

// replayRevert re-executes a failed transaction against the parent block to
// recover the revert data. Best effort; nil when nothing could be decoded.
func (c *Client) replayRevert(ctx context.Context, hash common.Hash, receipt *types.Receipt) error {
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil || tx == nil || tx.To() == nil {
		return nil
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return nil
	}
	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	var block *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}
	_, callErr := c.backend.CallContract(ctx, msg, block)
	if callErr == nil {
		return nil
	}
	parsed := questionABI
	if *tx.To() == c.factory {
		parsed = factoryABI
	}
	return classify(parsed, callErr)
}

var _ Ledger = (*Client)(nil)
