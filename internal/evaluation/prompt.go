package evaluation

import (
	"fmt"
	"strings"

	"question-bounty/internal/models"
)

const promptHeader = `You are the judge of a paid question. Respondents paid an entry fee to answer;
the whole prize pool must now be split among the best answers.

Rules:
- Award a non-negative amount to each address you choose, in the pool's display units with at most two decimals.
- Award a positive amount to at least one and at most %d addresses.
- The awards must add up to exactly %.2f.
- Use only addresses that appear below, each at most once.
- Give every award a short reason that refers to the rubric.
`

// eligiblePrefix starts the header line listing every address that may be
// paid. It is rendered before any user-supplied text.
const eligiblePrefix = "Eligible addresses: "

// BuildPrompt renders the scoring prompt for one question.
func BuildPrompt(q *models.Question, answers []models.Answer, pool float64, winnerCap int) string {
	var b strings.Builder
	fmt.Fprintf(&b, promptHeader, winnerCap, pool)

	eligible := make([]string, len(answers))
	for i, a := range answers {
		eligible[i] = a.Responder
	}
	fmt.Fprintf(&b, "%s%s\n", eligiblePrefix, strings.Join(eligible, ", "))

	b.WriteString("\nQuestion:\n")
	b.WriteString(strings.TrimSpace(q.Content))
	b.WriteString("\n")

	rubric := strings.TrimSpace(q.Rubric)
	if rubric == "" {
		rubric = "Reward accuracy, depth and originality."
	}
	b.WriteString("\nRubric:\n")
	b.WriteString(rubric)
	b.WriteString("\n")

	fmt.Fprintf(&b, "\nAnswers (%d):\n", len(answers))
	for _, a := range answers {
		fmt.Fprintf(&b, "\n[address %s]\n%s\n", a.Responder, strings.TrimSpace(a.Content))
	}
	return b.String()
}
