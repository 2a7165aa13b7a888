package orchestrator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"question-bounty/internal/ledger"
	"question-bounty/internal/readmodel"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimCompletesAndMarksMirror(t *testing.T) {
	chain := &fakeChain{allowances: []*big.Int{big.NewInt(1000)}, claimable: big.NewInt(500)}
	o, store, _ := fixture(t, chain)
	_, err := o.Submit(context.Background(), SubmitRequest{QuestionID: 1, Account: account, Content: "x"}, nil)
	require.NoError(t, err)

	s, err := o.Claim(context.Background(), ClaimRequest{QuestionID: 1, Account: account}, nil)
	require.NoError(t, err)
	assert.Equal(t, []State{Idle, CheckingClaim, Claiming, Storing, Completed}, s.States())

	a, err := store.GetAnswer(context.Background(), 1, account.Hex())
	require.NoError(t, err)
	assert.True(t, a.Claimed)
	assert.Equal(t, s.ClaimTx.Hex(), a.ClaimTxHash)
}

func TestClaimAlreadyClaimed(t *testing.T) {
	chain := &fakeChain{allowances: []*big.Int{big.NewInt(1000)}}
	o, store, _ := fixture(t, chain)
	_, err := o.Submit(context.Background(), SubmitRequest{QuestionID: 1, Account: account, Content: "x"}, nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkClaimed(context.Background(), 1, account.Hex(), "0xc0", time.Now()))

	s, err := o.Claim(context.Background(), ClaimRequest{QuestionID: 1, Account: account}, nil)
	require.NoError(t, err)
	assert.Equal(t, AlreadyClaimed, s.State)
	assert.Zero(t, chain.claims)
}

func TestClaimRevertNothingToClaim(t *testing.T) {
	chain := &fakeChain{
		allowances: []*big.Int{big.NewInt(1000)},
		claimable:  big.NewInt(1),
		claimErr:   ledger.ErrNothingToClaim,
	}
	o, _, _ := fixture(t, chain)

	s, err := o.Claim(context.Background(), ClaimRequest{QuestionID: 1, Account: account}, nil)
	require.NoError(t, err)
	assert.Equal(t, AlreadyClaimed, s.State)
}

func TestClaimNoReward(t *testing.T) {
	chain := &fakeChain{allowances: []*big.Int{big.NewInt(1000)}}
	o, _, _ := fixture(t, chain)

	s, err := o.Claim(context.Background(), ClaimRequest{QuestionID: 1, Account: account}, nil)
	assert.ErrorIs(t, err, ErrNoReward)
	assert.Equal(t, Idle, s.State)
}

func creationReceipt(id int64, deployed common.Address) *types.Receipt {
	ev := crypto.Keccak256Hash([]byte("QuestionCreated(uint256,address,address)"))
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Topics: []common.Hash{
				ev,
				common.BigToHash(big.NewInt(id)),
				common.BytesToHash(deployed.Bytes()),
				common.BytesToHash(account.Bytes()),
			},
		}},
	}
}

func createRequest() CreateRequest {
	start := time.Now()
	return CreateRequest{
		Account:            account,
		Token:              token,
		EntryFee:           big.NewInt(1000),
		SeedAmount:         big.NewInt(5000),
		MaxWinners:         3,
		StartTime:          start,
		EndTime:            start.Add(24 * time.Hour),
		EvaluationDeadline: start.Add(48 * time.Hour),
		Content:            "Best name for a cat?",
		Rubric:             "originality",
	}
}

func TestCreateStoresQuestion(t *testing.T) {
	deployed := common.HexToAddress("0x5555555555555555555555555555555555555555")
	chain := &fakeChain{
		allowances:    []*big.Int{big.NewInt(0), big.NewInt(5000)},
		whitelisted:   true,
		createReceipt: creationReceipt(9, deployed),
	}
	o, store, inv := fixture(t, chain)

	s, q, err := o.Create(context.Background(), createRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, []State{Idle, CheckingAllowance, Approving, Creating, Storing, Completed}, s.States())
	assert.Equal(t, uint64(9), s.QuestionID)

	got, err := store.GetQuestion(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, q.ContractAddress, got.ContractAddress)
	assert.Equal(t, ledger.NormalizeAddress(deployed), got.ContractAddress)
	assert.Equal(t, "5000", got.RewardPool)
	assert.Contains(t, inv.keys, readmodel.ActiveQuestionsKey())
}

func TestCreateRequiresWhitelist(t *testing.T) {
	chain := &fakeChain{allowances: []*big.Int{big.NewInt(0)}}
	o, _, _ := fixture(t, chain)

	s, _, err := o.Create(context.Background(), createRequest(), nil)
	assert.ErrorIs(t, err, ledger.ErrNotWhitelisted)
	assert.Equal(t, []State{Idle}, s.States())
	assert.Zero(t, chain.creates)
}

func TestCreateValidatesRequest(t *testing.T) {
	o, _, _ := fixture(t, &fakeChain{allowances: []*big.Int{big.NewInt(0)}, whitelisted: true})
	req := createRequest()
	req.EvaluationDeadline = req.EndTime.Add(-time.Minute)

	_, _, err := o.Create(context.Background(), req, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
