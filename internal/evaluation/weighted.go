package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var hexAddress = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
var promptPool = regexp.MustCompile(`add up to exactly ([0-9]+\.[0-9]{2})`)
var promptCap = regexp.MustCompile(`at most ([0-9]+) addresses`)

// WeightedScorer is a deterministic scorer for development and tests. It
// splits the pool across the prompt's eligible addresses in proportion to Weights;
// addresses without a weight get Default. Only the heaviest addresses up to the
// prompt's winner cap are paid, ties going to the lower address.
type WeightedScorer struct {
	Weights map[string]float64
	Default float64
	Reason  string
}

func (w *WeightedScorer) Evaluate(_ context.Context, prompt string, _ *Schema) (json.RawMessage, error) {
	m := promptPool.FindStringSubmatch(prompt)
	if m == nil {
		return nil, fmt.Errorf("weighted scorer: no pool in prompt")
	}
	var pool float64
	if _, err := fmt.Sscanf(m[1], "%f", &pool); err != nil {
		return nil, fmt.Errorf("weighted scorer: parse pool: %w", err)
	}

	addrs := eligibleAddresses(prompt)

	scores := make([]float64, len(addrs))
	for i, a := range addrs {
		weight, ok := w.Weights[a]
		if !ok {
			weight = w.Default
		}
		scores[i] = weight
	}
	if cm := promptCap.FindStringSubmatch(prompt); cm != nil {
		var winnerCap int
		if _, err := fmt.Sscanf(cm[1], "%d", &winnerCap); err == nil {
			keepTop(scores, winnerCap)
		}
	}
	amounts := Proportional(pool, scores)

	reason := w.Reason
	if reason == "" {
		reason = "weighted award"
	}
	var resp scoredResponse
	for i, a := range addrs {
		if amounts[i] <= 0 {
			continue
		}
		resp.Evaluations = append(resp.Evaluations, scoredEntry{Address: a, RewardAmount: amounts[i], RewardReason: reason})
	}
	if resp.Evaluations == nil {
		resp.Evaluations = []scoredEntry{}
	}
	return json.Marshal(resp)
}

// eligibleAddresses reads the header's address list. Only the first line with
// the prefix counts, so text quoted from answers cannot add candidates.
func eligibleAddresses(prompt string) []string {
	i := strings.Index(prompt, eligiblePrefix)
	if i < 0 {
		return nil
	}
	line := prompt[i+len(eligiblePrefix):]
	if end := strings.IndexByte(line, '\n'); end >= 0 {
		line = line[:end]
	}
	seen := map[string]bool{}
	var addrs []string
	for _, f := range strings.Split(line, ",") {
		a := strings.ToLower(strings.TrimSpace(f))
		if hexAddress.MatchString(a) && !seen[a] {
			seen[a] = true
			addrs = append(addrs, a)
		}
	}
	sort.Strings(addrs)
	return addrs
}

// keepTop zeroes every positive score outside the n largest.
func keepTop(scores []float64, n int) {
	order := make([]int, 0, len(scores))
	for i, s := range scores {
		if s > 0 {
			order = append(order, i)
		}
	}
	if len(order) <= n {
		return
	}
	sort.SliceStable(order, func(i, j int) bool { return scores[order[i]] > scores[order[j]] })
	for _, i := range order[n:] {
		scores[i] = 0
	}
}
