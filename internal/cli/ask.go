package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"council/internal/attach"
	"council/internal/cache"
	"council/internal/council"
	"council/internal/events"
	"council/internal/export"
	"council/internal/models"
	"council/internal/ui"
)

// askOutput is the --json document
type askOutput struct {
	Result   *council.Result       `json:"result,omitempty"`
	Error    string                `json:"error,omitempty"`
	Circuits []models.CircuitStats `json:"circuits,omitempty"`
	Cache    *cache.Stats          `json:"cache,omitempty"`
}

func newAskCmd(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run a council deliberation on a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.ask(cmd, strings.Join(args, " "))
		},
	}

	f := cmd.Flags()
	f.String("method", "", "voting method: simple, borda, mrr, confidence_weighted")
	f.Int("rounds", 0, "debate rounds in peer review")
	f.Bool("early-exit", false, "skip peer review when one answer is clearly most confident")
	f.Int("samples", 0, "self-sampling: ask the first council model this many times instead")
	f.Bool("rotate-chairman", false, "let the best-ranked model synthesize")
	f.Bool("meta", false, "grade the synthesis with a meta-evaluator")
	f.Bool("rubric", false, "ask reviewers for per-criterion rubric scores")
	f.Bool("tui", false, "show live progress")
	f.Bool("json", false, "print the full result as JSON")
	f.Bool("verbose", false, "print every stage, not just the answer")
	f.Bool("raw", false, "print markdown without terminal styling")
	f.Bool("save", false, "store the result in the history database")
	f.String("export", "", "write a markdown report to this file")
	f.Bool("circuits", false, "print circuit breaker state after the run")
	f.StringSlice("attach", nil, "files to include as context (repeatable)")
	f.Bool("no-cache", false, "bypass the result cache")
	_ = s.v.BindPFlags(f)

	return cmd
}

// options layers flags and COUNCIL_* env over the config defaults
func (s *rootState) options() (council.Options, error) {
	opts := s.cfg.Defaults
	v := s.v

	if v.IsSet("method") {
		m, ok := council.ParseVotingMethod(v.GetString("method"))
		if !ok {
			return opts, fmt.Errorf("unknown voting method %q", v.GetString("method"))
		}
		opts.VotingMethod = m
	}
	if v.IsSet("rounds") {
		opts.DebateRounds = v.GetInt("rounds")
	}
	if v.IsSet("early-exit") {
		opts.EarlyExit = v.GetBool("early-exit")
	}
	if v.IsSet("samples") {
		n := v.GetInt("samples")
		opts.SelfSampling = n > 0
		if n > 0 {
			opts.SampleCount = n
		}
	}
	if v.IsSet("rotate-chairman") {
		opts.RotatingChairman = v.GetBool("rotate-chairman")
	}
	if v.IsSet("meta") {
		opts.MetaEvaluation = v.GetBool("meta")
	}
	if v.IsSet("rubric") {
		opts.Rubric = v.GetBool("rubric")
	}
	return opts.Normalize(), nil
}

func (s *rootState) ask(cmd *cobra.Command, question string) error {
	a := s.app
	v := s.v

	if paths := v.GetStringSlice("attach"); len(paths) > 0 {
		files, err := attach.Load(paths)
		if err != nil {
			return err
		}
		question = attach.Compose(question, files)
	}
	opts, err := s.options()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	var result *council.Result
	var runErr error
	if v.GetBool("tui") {
		result, runErr = s.askLive(ctx, cancel, question, opts)
	} else {
		runner := a.runner()
		if v.GetBool("no-cache") {
			runner = a.orch
		}
		result, runErr = runner.Run(ctx, question, opts)
		var derr *council.DeliberationError
		if errors.As(runErr, &derr) {
			result = derr.Partial
		}
		a.notifier.NotifyResult(result, runErr)
	}
	defer a.notifier.Wait(3 * time.Second)

	if result != nil && v.GetBool("save") {
		if err := s.save(result); err != nil {
			return err
		}
	}
	if path := v.GetString("export"); path != "" && result != nil {
		if err := export.WriteFile(result, path); err != nil {
			return err
		}
		a.log.Info("exported result", "path", path)
	}

	out := cmd.OutOrStdout()
	if v.GetBool("json") {
		return s.writeJSON(out, result, runErr)
	}

	if result != nil {
		md := answerMarkdown(result)
		if v.GetBool("verbose") {
			md = export.Markdown(result)
		}
		fmt.Fprint(out, renderMarkdown(md, v.GetBool("raw")))
	}
	if v.GetBool("circuits") {
		fmt.Fprintln(out, circuitTable(a.client.CircuitStats(), nil))
	}
	return runErr
}

// askLive streams the deliberation into the progress view. The cache is
// consulted first and fed with the streamed result.
func (s *rootState) askLive(ctx context.Context, cancel context.CancelFunc, question string, opts council.Options) (*council.Result, error) {
	a := s.app
	if a.cache != nil && !s.v.GetBool("no-cache") {
		if hit, ok := a.cache.Lookup(question, opts); ok {
			return hit, nil
		}
	}

	stream := a.notifier.Tee(a.orch.Stream(ctx, question, opts))
	term, err := ui.Run(question, stream, cancel)
	if err != nil {
		cancel()
		go drain(stream)
		return nil, err
	}
	if term == nil {
		cancel()
		go drain(stream)
		return nil, council.ErrCanceled
	}

	if term.Type == events.DeliberationComplete {
		if a.cache != nil {
			a.cache.Store(term.Result)
		}
		return term.Result, nil
	}
	return term.Result, &council.DeliberationError{Stage: term.Stage, Partial: term.Result, Err: errors.New(term.Error)}
}

func drain(stream <-chan events.Event) {
	for range stream {
	}
}

func (s *rootState) save(result *council.Result) error {
	st, err := s.app.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Save(result); err != nil {
		return err
	}
	s.log.Info("saved result", "id", result.ID)
	return nil
}

func (s *rootState) writeJSON(w io.Writer, result *council.Result, runErr error) error {
	doc := askOutput{Result: result}
	if runErr != nil {
		doc.Error = runErr.Error()
	}
	if s.v.GetBool("circuits") {
		doc.Circuits = s.app.client.CircuitStats()
	}
	if s.app.cache != nil {
		stats := s.app.cache.Stats()
		doc.Cache = &stats
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return runErr
}
