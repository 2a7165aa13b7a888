package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// QuestionCreated correlates a factory question id with its deployed contract.
type QuestionCreated struct {
	QuestionID uint64
	Contract   common.Address
	Creator    common.Address
	TxHash     common.Hash
}

type AnswerSubmitted struct {
	Contract    common.Address
	Responder   common.Address
	AnswerIndex uint64
	AnswerHash  common.Hash
	Referrer    common.Address
	TxHash      common.Hash
}

type RewardClaimed struct {
	Contract  common.Address
	Responder common.Address
	Amount    *big.Int
	TxHash    common.Hash
}

type AnswersEvaluated struct {
	Contract      common.Address
	RankedIndices []uint64
	TxHash        common.Hash
}

// EventTopics are the topic0 values the indexer subscribes to.
func EventTopics() []common.Hash {
	return []common.Hash{
		factoryABI.Events["QuestionCreated"].ID,
		questionABI.Events["AnswerSubmitted"].ID,
		questionABI.Events["RewardClaimed"].ID,
		questionABI.Events["AnswersEvaluated"].ID,
	}
}

// ParseEvent decodes a log emitted by the factory or a question contract into
// one of the event types above. Unknown logs return (nil, nil).
func ParseEvent(l types.Log) (interface{}, error) {
	if len(l.Topics) == 0 {
		return nil, nil
	}
	switch l.Topics[0] {
	case factoryABI.Events["QuestionCreated"].ID:
		var raw struct {
			QuestionId       *big.Int
			QuestionContract common.Address
			Creator          common.Address
		}
		if err := unpackLog(factoryABI, &raw, "QuestionCreated", l); err != nil {
			return nil, err
		}
		return QuestionCreated{
			QuestionID: raw.QuestionId.Uint64(),
			Contract:   raw.QuestionContract,
			Creator:    raw.Creator,
			TxHash:     l.TxHash,
		}, nil

	case questionABI.Events["AnswerSubmitted"].ID:
		var raw struct {
			Responder   common.Address
			AnswerIndex *big.Int
			AnswerHash  [32]byte
			Referrer    common.Address
		}
		if err := unpackLog(questionABI, &raw, "AnswerSubmitted", l); err != nil {
			return nil, err
		}
		return AnswerSubmitted{
			Contract:    l.Address,
			Responder:   raw.Responder,
			AnswerIndex: raw.AnswerIndex.Uint64(),
			AnswerHash:  common.Hash(raw.AnswerHash),
			Referrer:    raw.Referrer,
			TxHash:      l.TxHash,
		}, nil

	case questionABI.Events["RewardClaimed"].ID:
		var raw struct {
			Responder common.Address
			Amount    *big.Int
		}
		if err := unpackLog(questionABI, &raw, "RewardClaimed", l); err != nil {
			return nil, err
		}
		return RewardClaimed{
			Contract:  l.Address,
			Responder: raw.Responder,
			Amount:    raw.Amount,
			TxHash:    l.TxHash,
		}, nil

	case questionABI.Events["AnswersEvaluated"].ID:
		var raw struct {
			RankedIndices []*big.Int
		}
		if err := unpackLog(questionABI, &raw, "AnswersEvaluated", l); err != nil {
			return nil, err
		}
		ranked := make([]uint64, len(raw.RankedIndices))
		for i, v := range raw.RankedIndices {
			ranked[i] = v.Uint64()
		}
		return AnswersEvaluated{Contract: l.Address, RankedIndices: ranked, TxHash: l.TxHash}, nil
	}
	return nil, nil
}

func unpackLog(parsed abi.ABI, out interface{}, event string, l types.Log) error {
	bc := bind.NewBoundContract(l.Address, parsed, nil, nil, nil)
	if err := bc.UnpackLog(out, event, l); err != nil {
		return fmt.Errorf("unpack %s: %w", event, err)
	}
	return nil
}

// QuestionCreatedFromReceipt finds the factory event in a createQuestion receipt.
func QuestionCreatedFromReceipt(receipt *types.Receipt) (QuestionCreated, error) {
	if receipt != nil {
		for _, l := range receipt.Logs {
			if l == nil {
				continue
			}
			ev, err := ParseEvent(*l)
			if err != nil {
				return QuestionCreated{}, err
			}
			if qc, ok := ev.(QuestionCreated); ok {
				return qc, nil
			}
		}
	}
	return QuestionCreated{}, ErrEventNotFound
}
