package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"question-bounty/internal/models"
	"question-bounty/internal/orchestrator"
	"question-bounty/internal/token"
	"question-bounty/internal/tui"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mattn/go-isatty"
)

const progressBuffer = 32

func (a *app) orchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(a.chain, a.store, a.cache, a.log, a.metrics, orchestrator.Options{
		AllowanceRetryAttempts: a.cfg.AllowanceRetryAttempts,
		AllowanceRetryDelay:    a.cfg.AllowanceRetryDelay,
		Factory:                a.factory(),
	})
}

// watch runs one session, rendering its transitions in the terminal view or,
// with plain set or no terminal attached, as log lines.
func (a *app) watch(ctx context.Context, title string, plain bool, run func(ctx context.Context, progress chan<- orchestrator.Progress) (*orchestrator.Session, error)) (*orchestrator.Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan orchestrator.Progress, progressBuffer)
	type outcome struct {
		session *orchestrator.Session
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := run(ctx, updates)
		close(updates)
		done <- outcome{s, err}
	}()

	if plain || !isatty.IsTerminal(os.Stdout.Fd()) {
		for p := range updates {
			line := fmt.Sprintf("%s %s -> %s", p.Flow, p.From, p.To)
			if p.TxHash != (common.Hash{}) {
				line += " tx " + p.TxHash.Hex()
			}
			if p.Err != nil {
				line += ": " + p.Err.Error()
			}
			fmt.Println(line)
		}
	} else {
		m, err := tui.Run(title, updates)
		if err != nil {
			a.log.Warnf("TUI error: %v", err)
		}
		if !m.Done() {
			cancel()
		}
	}

	out := <-done
	return out.session, out.err
}

func report(s *orchestrator.Session, err error) error {
	if err != nil || s == nil {
		return err
	}
	fmt.Printf("%s session %s finished in %s\n", s.Flow, s.ID, s.State)
	return nil
}

func runSubmit(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	question := fs.Uint64("question", 0, "question id")
	content := fs.String("content", "", "answer text (or @file)")
	referrer := fs.String("referrer", "", "optional referrer address")
	plain := fs.Bool("plain", false, "print transitions instead of the terminal view")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text, err := readContent(*content)
	if err != nil {
		return err
	}
	req := orchestrator.SubmitRequest{QuestionID: *question, Account: a.chain.Account(), Content: text}
	if *referrer != "" {
		if !common.IsHexAddress(*referrer) {
			return fmt.Errorf("invalid referrer %q", *referrer)
		}
		ref := common.HexToAddress(*referrer)
		req.Referrer = &ref
	}

	o := a.orchestrator()
	return report(a.watch(ctx, fmt.Sprintf("Submitting answer to question #%d", *question), *plain,
		func(ctx context.Context, progress chan<- orchestrator.Progress) (*orchestrator.Session, error) {
			return o.Submit(ctx, req, progress)
		}))
}

func runClaim(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	question := fs.Uint64("question", 0, "question id")
	plain := fs.Bool("plain", false, "print transitions instead of the terminal view")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req := orchestrator.ClaimRequest{QuestionID: *question, Account: a.chain.Account()}

	o := a.orchestrator()
	return report(a.watch(ctx, fmt.Sprintf("Claiming reward for question #%d", *question), *plain,
		func(ctx context.Context, progress chan<- orchestrator.Progress) (*orchestrator.Session, error) {
			return o.Claim(ctx, req, progress)
		}))
}

func runCreate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	tokenAddr := fs.String("token", "", "reward token address")
	fee := fs.String("fee", "0", "entry fee in token units")
	seedAmount := fs.String("seed", "0", "initial reward pool in token units")
	winners := fs.Uint64("winners", 1, "maximum number of winners")
	startIn := fs.Duration("start-in", 0, "delay before answers open")
	duration := fs.Duration("duration", 24*time.Hour, "answer window")
	review := fs.Duration("review", 72*time.Hour, "evaluation window after the answer window")
	content := fs.String("content", "", "question text (or @file)")
	rubric := fs.String("rubric", "", "scoring rubric (or @file)")
	plain := fs.Bool("plain", false, "print transitions instead of the terminal view")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*tokenAddr) {
		return fmt.Errorf("invalid token %q", *tokenAddr)
	}
	tokenAddress := common.HexToAddress(*tokenAddr)
	text, err := readContent(*content)
	if err != nil {
		return err
	}
	rubricText, err := readContent(*rubric)
	if err != nil {
		return err
	}

	entryFee, err := a.baseUnits(ctx, tokenAddress, *fee)
	if err != nil {
		return fmt.Errorf("fee: %w", err)
	}
	seed, err := a.baseUnits(ctx, tokenAddress, *seedAmount)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	start := time.Now().Add(*startIn)
	end := start.Add(*duration)
	req := orchestrator.CreateRequest{
		Account:            a.chain.Account(),
		Token:              tokenAddress,
		EntryFee:           entryFee,
		SeedAmount:         seed,
		MaxWinners:         *winners,
		StartTime:          start,
		EndTime:            end,
		EvaluationDeadline: end.Add(*review),
		Content:            text,
		Rubric:             rubricText,
	}

	o := a.orchestrator()
	var created *models.Question
	err = report(a.watch(ctx, "Creating question", *plain,
		func(ctx context.Context, progress chan<- orchestrator.Progress) (*orchestrator.Session, error) {
			s, q, err := o.Create(ctx, req, progress)
			created = q
			return s, err
		}))
	if err == nil && created != nil {
		fmt.Printf("question #%d at %s\n", created.ID, created.ContractAddress)
	}
	return err
}

func (a *app) baseUnits(ctx context.Context, tokenAddress common.Address, display string) (*big.Int, error) {
	info, err := a.tokens.Resolve(ctx, tokenAddress)
	if err != nil {
		return nil, err
	}
	return token.ParseUnits(display, info.Decimals)
}

// readContent returns s, or the contents of the file when s starts with "@".
func readContent(s string) (string, error) {
	if !strings.HasPrefix(s, "@") {
		return s, nil
	}
	b, err := os.ReadFile(strings.TrimPrefix(s, "@"))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
