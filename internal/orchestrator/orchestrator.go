// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"council/internal/config"
	"council/internal/consensus"
	"council/internal/council"
	"council/internal/events"
	"council/internal/logging"
	"council/internal/models"
)

var errEmptyResponse = errors.New("empty response")

// Settings is the deployment-level configuration of a council
type Settings struct {
	Council            []string
	Chairman           string
	MetaEvaluator      string // defaults to the chairman
	EarlyExit          consensus.EarlyExitConfig
	ConsensusThreshold float64
	MaxConcurrency     int // 0 means every call runs at once
}

// SettingsFromConfig extracts orchestrator settings from a loaded config
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Council:       append([]string(nil), cfg.Council...),
		Chairman:      cfg.Chairman,
		MetaEvaluator: cfg.MetaEvaluator,
		EarlyExit: consensus.EarlyExitConfig{
			Confidence: cfg.Thresholds.EarlyExitConfidence,
			Margin:     cfg.Thresholds.EarlyExitMargin,
		},
		ConsensusThreshold: cfg.Thresholds.Consensus,
		MaxConcurrency:     cfg.MaxConcurrency,
	}
}

// Orchestrator runs deliberations against a model client. It holds no
// per-request state and is safe for concurrent use.
type Orchestrator struct {
	client   models.Endpoint
	settings Settings
	log      *logging.Logger
	now      func() time.Time
	newID    func() string
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDs replaces the request ID generator
func WithIDs(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// New creates an orchestrator. client is usually a *models.Resilient so every
// call gets retries and circuit breaking.
func New(client models.Endpoint, settings Settings, opts ...Option) *Orchestrator {
	if settings.Chairman == "" && len(settings.Council) > 0 {
		settings.Chairman = settings.Council[0]
	}
	if settings.EarlyExit == (consensus.EarlyExitConfig{}) {
		settings.EarlyExit = consensus.DefaultEarlyExit()
	}
	if settings.ConsensusThreshold <= 0 {
		settings.ConsensusThreshold = consensus.DefaultThreshold
	}
	o := &Orchestrator{
		client:   client,
		settings: settings,
		log:      logging.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Council returns the configured council
func (o *Orchestrator) Council() []string {
	return append([]string(nil), o.settings.Council...)
}

// CircuitStats returns the breaker snapshot when the client keeps one
func (o *Orchestrator) CircuitStats() []models.CircuitStats {
	if r, ok := o.client.(models.CircuitReporter); ok {
		return r.CircuitStats()
	}
	return nil
}

// ResetCircuit closes model's circuit. It reports false when the client
// keeps no breakers.
func (o *Orchestrator) ResetCircuit(model string) bool {
	r, ok := o.client.(models.CircuitReporter)
	if ok {
		r.ResetCircuit(model)
		o.log.WithModel(model).Info("circuit reset")
	}
	return ok
}

// Run deliberates in batch mode. On failure the error is a
// *council.DeliberationError carrying the partial result.
func (o *Orchestrator) Run(ctx context.Context, question string, opts council.Options) (*council.Result, error) {
	id := o.newID()
	d := o.begin(ctx, id, question, opts, events.NewEmitter(ctx, nil, id), false)
	return d.run()
}

// Stream deliberates and reports progress as events. The channel is closed
// after the terminal event. Cancelling ctx aborts in-flight model calls and
// drops further progress events; the terminal event still arrives as long
// as the consumer keeps draining the channel until it closes. A consumer
// that stops reading loses it after events.TerminalGrace.
func (o *Orchestrator) Stream(ctx context.Context, question string, opts council.Options) <-chan events.Event {
	out := make(chan events.Event, 64)
	id := o.newID()

	go func() {
		defer close(out)
		em := events.NewEmitter(ctx, out, id)
		d := o.begin(ctx, id, question, opts, em, true)

		result, err := d.run()
		if err != nil {
			ev := events.NewFailed(err, true, d.res)
			var derr *council.DeliberationError
			if errors.As(err, &derr) {
				ev.Stage = derr.Stage
				ev.Result = derr.Partial
			}
			em.Emit(ev)
			return
		}
		em.Emit(events.NewComplete(result))
	}()

	return out
}

// deliberation is the state of one request
type deliberation struct {
	o         *Orchestrator
	ctx       context.Context
	question  string
	opts      council.Options
	em        *events.Emitter
	streaming bool
	log       *logging.Logger
	res       *council.Result

	mu sync.Mutex // guards res.Failures and res.Notes during fan-out
}

func (o *Orchestrator) begin(ctx context.Context, id, question string, opts council.Options, em *events.Emitter, streaming bool) *deliberation {
	log := o.log.WithRequest(id)
	if _, ok := council.ParseVotingMethod(string(opts.VotingMethod)); !ok && opts.VotingMethod != "" {
		log.Warn("unknown voting method, using simple", "method", string(opts.VotingMethod))
	}
	opts = opts.Normalize()

	return &deliberation{
		o:         o,
		ctx:       ctx,
		question:  question,
		opts:      opts,
		em:        em,
		streaming: streaming,
		log:       log,
		res: &council.Result{
			ID:       id,
			Question: question,
			Council:  o.Council(),
			Options:  opts,
			Timing:   council.Timing{StartedAt: o.now()},
		},
	}
}

func (d *deliberation) run() (*council.Result, error) {
	d.log.Info("deliberation started",
		"council", strings.Join(d.res.Council, ","),
		"method", string(d.opts.VotingMethod),
		"rounds", d.opts.DebateRounds,
		"streaming", d.streaming,
	)

	start := d.o.now()
	responses := d.stage1()
	d.res.Timing.Stage1 = d.o.now().Sub(start)
	if err := d.canceled(1); err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, d.fail(1, council.ErrNoResponses)
	}

	if d.opts.EarlyExit && d.earlyExit(responses) {
		return d.finish()
	}

	start = d.o.now()
	d.stage2(responses)
	d.res.Timing.Stage2 = d.o.now().Sub(start)
	if err := d.canceled(2); err != nil {
		return nil, err
	}
	d.detectHallucinations()

	start = d.o.now()
	err := d.stage3()
	d.res.Timing.Stage3 = d.o.now().Sub(start)
	if cerr := d.canceled(3); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, d.fail(3, err)
	}

	if d.opts.MetaEvaluation {
		d.metaEvaluate()
	}
	return d.finish()
}

func (d *deliberation) finish() (*council.Result, error) {
	d.res.Timing.FinishedAt = d.o.now()
	d.res.Timing.Total = d.res.Timing.FinishedAt.Sub(d.res.Timing.StartedAt)
	d.log.Info("deliberation complete", "summary", d.res.Summarize().String())
	return d.res, nil
}

func (d *deliberation) fail(stage int, err error) error {
	d.res.Timing.FinishedAt = d.o.now()
	d.res.Timing.Total = d.res.Timing.FinishedAt.Sub(d.res.Timing.StartedAt)
	d.log.Error("deliberation failed", "stage", stage, "error", err.Error())
	return &council.DeliberationError{Stage: stage, Partial: d.res, Err: err}
}

func (d *deliberation) canceled(stage int) error {
	if err := d.ctx.Err(); err != nil {
		return d.fail(stage, fmt.Errorf("%w: %w", council.ErrCanceled, err))
	}
	return nil
}

func (d *deliberation) note(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.mu.Lock()
	d.res.Notes = append(d.res.Notes, msg)
	d.mu.Unlock()
	d.log.Info(msg)
}

func (d *deliberation) recordFailure(key string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.res.Failures == nil {
		d.res.Failures = make(map[string]string)
	}
	d.res.Failures[key] = err.Error()
}

// fanOut runs fn for 0..n-1 concurrently, honoring MaxConcurrency.
// fn reports its own failures; one failing call never stops the others.
func (d *deliberation) fanOut(n int, fn func(i int)) {
	var g errgroup.Group
	if d.o.settings.MaxConcurrency > 0 {
		g.SetLimit(d.o.settings.MaxConcurrency)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	g.Wait()
}

// call is one model call. id names the caller in events and differs from
// model only for self-samples.
type call struct {
	stage  int
	round  int
	id     string
	model  string
	params models.Params
}

// invoke runs one call, streaming deltas as events in streaming mode
func (d *deliberation) invoke(c call, messages []models.Message) (string, error) {
	d.em.InRound(c.round, events.NewModelStart(c.stage, c.id))
	log := d.log.WithModel(c.id).WithStage(fmt.Sprintf("stage%d", c.stage))

	var content string
	var err error
	if d.streaming {
		for chunk := range d.o.client.Stream(d.ctx, c.model, messages, c.params) {
			switch {
			case chunk.Error != nil:
				err = chunk.Error
			case chunk.Done:
				content = chunk.Content
			case chunk.Text != "":
				d.em.InRound(c.round, events.NewModelChunk(c.stage, c.id, chunk.Text, chunk.Content))
			}
		}
	} else {
		var resp models.Response
		resp, err = d.o.client.Query(d.ctx, c.model, messages, c.params)
		content = resp.Content
	}
	if err == nil && strings.TrimSpace(content) == "" {
		err = errEmptyResponse
	}

	if err != nil {
		d.em.InRound(c.round, events.NewModelError(c.stage, c.id, err, models.IsRetryable(err)))
		log.Warn("model call failed", "error", err.Error(), "kind", models.KindOf(err).String())
		return "", err
	}
	d.em.InRound(c.round, events.NewModelComplete(c.stage, c.id, content))
	log.Debug("model call complete", "chars", len(content))
	return content, nil
}
