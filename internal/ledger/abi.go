package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const tokenABIJSON = `[
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

const questionABIJSON = `[
  {"type":"function","name":"submitAnswer","stateMutability":"nonpayable","inputs":[{"name":"answerHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"submitAnswerWithReferral","stateMutability":"nonpayable","inputs":[{"name":"answerHash","type":"bytes32"},{"name":"referrer","type":"address"}],"outputs":[]},
  {"type":"function","name":"getUserAnswer","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"exists","type":"bool"},{"name":"answerHash","type":"bytes32"},{"name":"answerIndex","type":"uint256"},{"name":"timestamp","type":"uint256"}]},
  {"type":"function","name":"claimReward","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"getClaimableAmount","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"evaluateAnswers","stateMutability":"nonpayable","inputs":[{"name":"rankedIndices","type":"uint256[]"}],"outputs":[]},
  {"type":"function","name":"evaluated","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"rewardPool","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"AnswerSubmitted","anonymous":false,"inputs":[{"name":"responder","type":"address","indexed":true},{"name":"answerIndex","type":"uint256","indexed":true},{"name":"answerHash","type":"bytes32","indexed":false},{"name":"referrer","type":"address","indexed":false}]},
  {"type":"event","name":"RewardClaimed","anonymous":false,"inputs":[{"name":"responder","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"AnswersEvaluated","anonymous":false,"inputs":[{"name":"rankedIndices","type":"uint256[]","indexed":false}]},
  {"type":"error","name":"AlreadySubmitted","inputs":[]},
  {"type":"error","name":"NotWhitelisted","inputs":[]},
  {"type":"error","name":"NothingToClaim","inputs":[]},
  {"type":"error","name":"AlreadyClaimed","inputs":[]},
  {"type":"error","name":"AlreadyEvaluated","inputs":[]},
  {"type":"error","name":"QuestionNotEnded","inputs":[]},
  {"type":"error","name":"Unauthorized","inputs":[]}
]`

const factoryABIJSON = `[
  {"type":"function","name":"createQuestion","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"entryFee","type":"uint256"},{"name":"seedAmount","type":"uint256"},{"name":"maxWinners","type":"uint256"},{"name":"startTime","type":"uint256"},{"name":"endTime","type":"uint256"},{"name":"evaluationDeadline","type":"uint256"}],"outputs":[{"name":"questionId","type":"uint256"},{"name":"questionContract","type":"address"}]},
  {"type":"function","name":"questionCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isWhitelisted","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"QuestionCreated","anonymous":false,"inputs":[{"name":"questionId","type":"uint256","indexed":true},{"name":"questionContract","type":"address","indexed":true},{"name":"creator","type":"address","indexed":true}]},
  {"type":"error","name":"NotWhitelisted","inputs":[]}
]`

var (
	tokenABI    = mustParseABI(tokenABIJSON)
	questionABI = mustParseABI(questionABIJSON)
	factoryABI  = mustParseABI(factoryABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("ledger: malformed ABI: " + err.Error())
	}
	return parsed
}
