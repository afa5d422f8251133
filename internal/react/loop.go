// Package react runs the bounded think/act/observe loop that turns a failure into a verified answer.
//
// A run classifies the failure, routes it, gathers evidence with the tools the routing decision
// allows, synthesizes an answer and verifies it. Low-confidence answers get up to two corrective
// passes before they are rejected. Every run ends in exactly one outcome.
package react

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/ai"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/classify"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/crag"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/normalize"
	"github.com/kiranshivaraju/faultline/internal/routing"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/internal/tools"
	"github.com/kiranshivaraju/faultline/internal/websearch"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Limits of a run.
const (
	DefaultIterationCap = 5
	MaxRetries          = 3
	MaxReverifications  = 2
)

const warnDeadline = "deadline exceeded: best candidate returned for review"

// Classifier assigns an error category to a failure.
type Classifier interface {
	Classify(in classify.ErrorInput) classify.Classification
}

// Generator synthesizes an answer from evidence.
type Generator interface {
	Available() bool
	Generate(ctx context.Context, req ai.GenerateRequest) (*ai.Answer, error)
}

// WebSearcher is the last corrective fallback.
type WebSearcher interface {
	Available() bool
	Search(ctx context.Context, query string, k int) ([]websearch.Result, error)
}

// Config bounds a run.
type Config struct {
	IterationCap     int
	TargetConfidence float64
	ToolTimeout      time.Duration
	KFinal           int
}

// ConfigFrom derives loop limits from the analysis settings.
func ConfigFrom(a config.AnalysisConfig) Config {
	return Config{
		IterationCap:     a.IterationCap,
		TargetConfidence: a.TargetConfidence,
		ToolTimeout:      a.ToolTimeout,
		KFinal:           a.KFinal,
	}
}

func (c Config) withDefaults() Config {
	if c.IterationCap <= 0 {
		c.IterationCap = DefaultIterationCap
	}
	if c.IterationCap > config.MaxIterationCap {
		c.IterationCap = config.MaxIterationCap
	}
	if c.TargetConfidence <= 0 {
		c.TargetConfidence = 0.85
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 15 * time.Second
	}
	if c.KFinal <= 0 {
		c.KFinal = 5
	}
	return c
}

// Deps are the collaborators of a Loop. Generator and Web may be nil.
type Deps struct {
	Classifier Classifier
	Policy     *routing.Policy
	Registry   *tools.Registry
	Retriever  tools.Retriever
	Generator  Generator
	Verifier   *crag.Verifier
	Web        WebSearcher
}

// Loop runs analyses. It is safe for concurrent use; each Run has its own state.
type Loop struct {
	classifier Classifier
	policy     *routing.Policy
	registry   *tools.Registry
	retriever  tools.Retriever
	generator  Generator
	verifier   *crag.Verifier
	web        WebSearcher
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		classifier: deps.Classifier,
		policy:     deps.Policy,
		registry:   deps.Registry,
		retriever:  deps.Retriever,
		generator:  deps.Generator,
		verifier:   deps.Verifier,
		web:        deps.Web,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
}

// Input is one analysis request.
type Input struct {
	Failure *models.Failure
	Project *models.Project
	// Hint is a reviewer's correction or new query carried by a refinement.
	Hint string
}

// Run analyzes one failure. The error return is reserved for invalid input; everything else,
// including fatal tool errors and deadline expiry, is reported through the outcome.
func (l *Loop) Run(ctx context.Context, in Input) (Outcome, error) {
	if in.Failure == nil {
		return nil, apperr.Input("react.run", "failure is required")
	}
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if in.Failure.ProjectID != projectID {
		return nil, apperr.Input("react.run", "failure does not belong to the project in scope")
	}

	st := l.begin(in, projectID)
	l.logger.Debug("analysis routed",
		"failure_id", in.Failure.ID,
		"category", st.category,
		"classification_confidence", st.classConf,
		"generator", st.decision.UseGenerator,
		"source_fetch", st.decision.UseSourceFetch,
	)

	if err := l.gather(ctx, st); err != nil {
		return l.stop(ctx, st, err), nil
	}

	cand, err := l.synthesize(ctx, st)
	if err != nil {
		return l.stop(ctx, st, err), nil
	}
	res := l.verify(st, cand)

	for reverified := 0; res.Verdict == crag.VerdictCorrect && reverified < MaxReverifications; reverified++ {
		applied, err := l.correct(ctx, st)
		if err != nil {
			return l.stop(ctx, st, err), nil
		}
		if !applied {
			break
		}
		cand, err := l.synthesize(ctx, st)
		if err != nil {
			return l.stop(ctx, st, err), nil
		}
		res = l.verify(st, cand)
	}

	switch res.Verdict {
	case crag.VerdictPass:
		return &PassResult{Report: st.report()}, nil
	case crag.VerdictHITL:
		return &HitlResult{
			Report:   st.report(),
			Priority: res.Priority,
			Concerns: res.Concerns,
			Reason:   "verification",
		}, nil
	default:
		r := st.report()
		r.Answer = insufficient(st, res.Concerns)
		return &RejectResult{Report: r, Concerns: res.Concerns}, nil
	}
}

func (l *Loop) begin(in Input, projectID uuid.UUID) *state {
	f := in.Failure
	cls := l.classifier.Classify(classify.ErrorInput{
		Message:    f.ErrorMessage,
		StackTrace: f.StackTrace,
		Log:        f.ErrorLog,
	})
	decision := l.policy.Decide(cls.Category)

	query := firstLine(f.ErrorMessage)
	if query == "" {
		query = f.TestName
	}
	if hint := strings.TrimSpace(in.Hint); hint != "" {
		query = strings.TrimSpace(query + " " + firstLine(hint))
	}
	entities := normalize.ExtractEntities(f.ErrorMessage + "\n" + f.StackTrace)

	return &state{
		input:     in,
		projectID: projectID,
		category:  cls.Category,
		classConf: cls.Confidence,
		decision:  decision,
		query:     query,
		entities:  entities,
		selection: &tools.SelectionState{
			Decision: decision,
			Input: tools.Input{
				Query:    query,
				Category: cls.Category,
				Failure:  f,
				Project:  in.Project,
				Files:    tools.FindLocations(f.StackTrace, f.ErrorLog, f.ErrorMessage),
				Entities: entities,
			},
		},
	}
}

// gather is the main phase: select, act and observe until the solution is confident enough,
// the iteration cap is hit, no tool is left or the retry budget is spent.
func (l *Loop) gather(ctx context.Context, st *state) error {
	for st.iterations < l.cfg.IterationCap {
		if err := ctx.Err(); err != nil {
			return apperr.Wrap(apperr.KindDeadline, "react.gather", err)
		}
		sel, err := l.registry.Select(st.selection)
		if errors.Is(err, tools.ErrNoEligibleTool) {
			return nil
		}
		if err != nil {
			return apperr.Fatal("react.select", err)
		}
		for _, name := range sel.Names() {
			if err := l.policy.Validate(st.decision, name); err != nil {
				return err
			}
		}

		st.iterations++
		obs, err := l.act(ctx, st, sel, st.toolInput(st.query))
		if sel.Class == routing.ClassRetrieval && err == nil {
			st.selection.RetrievalRounds++
		}
		if err != nil {
			switch apperr.KindOf(err) {
			case apperr.KindFatal, apperr.KindDeadline:
				return err
			}
		}
		fresh := st.observe(obs)
		if err != nil || fresh == 0 {
			if st.retries >= MaxRetries {
				l.logger.Debug("retry budget spent", "failure_id", st.input.Failure.ID, "iterations", st.iterations)
				return nil
			}
			st.retries++
			continue
		}
		if st.solution >= l.cfg.TargetConfidence {
			return nil
		}
	}
	return nil
}

// act runs one selection under the per-tool timeout and records it.
func (l *Loop) act(ctx context.Context, st *state, sel tools.Selection, in tools.Input) (*tools.Observation, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
	defer cancel()

	started := l.now()
	var (
		obs *tools.Observation
		err error
	)
	if sel.Class == routing.ClassRetrieval {
		obs, err = tools.RunRetrieval(callCtx, l.retriever, in, sel.Sources())
	} else {
		obs, err = sel.Tools[0].Run(callCtx, in)
	}
	elapsed := l.now().Sub(started)

	if err != nil && ctx.Err() == nil && apperr.KindOf(err) == apperr.KindDeadline {
		// The tool ran out of time but the analysis did not.
		err = apperr.Transient("react.act", fmt.Errorf("tool timed out after %s: %w", l.cfg.ToolTimeout, err))
	}
	for _, name := range sel.Names() {
		st.selection.MarkTried(name, in.Query)
	}
	l.record(st, sel, in.Query, obs, err, elapsed)
	return obs, err
}

func (l *Loop) record(st *state, sel tools.Selection, query string, obs *tools.Observation, err error, elapsed time.Duration) {
	failed := make(map[string]bool)
	counts := make(map[string]int)
	if obs != nil {
		for _, s := range obs.Failed {
			failed[s] = true
		}
		for _, e := range obs.Evidence {
			counts[e.Source]++
		}
	}

	for _, t := range sel.Tools {
		spec := t.Spec()
		a := models.Action{
			Iteration: st.iterations,
			Tool:      spec.Name,
			Query:     query,
			Cost:      spec.Cost,
			LatencyMS: elapsed.Milliseconds(),
		}
		var toolErr error
		if err != nil {
			toolErr = err
			a.Error = actionError(err)
		}
		if rt, ok := t.(*tools.RetrievalTool); ok && err == nil {
			a.Results = counts[rt.Source()]
			if failed[rt.Source()] {
				a.Error = "source unavailable"
				toolErr = errors.New(a.Error)
			}
		} else if err == nil && obs != nil {
			a.Results = len(obs.Evidence) + len(obs.Snippets)
		}
		if a.Error == "" {
			st.markUsed(spec.Name)
		}
		st.actions = append(st.actions, a)
		l.recordTool(spec.Name, toolErr, elapsed)
		l.logger.Debug("tool call",
			"failure_id", st.input.Failure.ID,
			"iteration", st.iterations,
			"tool", spec.Name,
			"results", a.Results,
			"latency_ms", a.LatencyMS,
			"error", a.Error,
		)
	}
}

func (l *Loop) recordTool(tool string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordTool(tool, status, elapsed)
}

// actionError is the client-safe description of a tool error kept in the action trace.
func actionError(err error) string {
	return string(apperr.KindOf(err)) + " error"
}

// stop ends a run early. Deadline expiry returns the best candidate for review when there is
// material to build one from; anything else aborts.
func (l *Loop) stop(ctx context.Context, st *state, err error) Outcome {
	if apperr.KindOf(err) == apperr.KindDeadline || ctx.Err() != nil {
		st.warn(warnDeadline)
		if st.candidate == nil || st.candidate.answer.RootCause == "" {
			if st.hasMaterial() {
				c := extract(st.category, st.input.Failure, st.ranked())
				l.verify(st, &c)
			}
		}
		if st.candidate != nil && st.candidate.answer.RootCause != "" {
			return &HitlResult{
				Report:   st.report(),
				Priority: crag.Priority(st.candidate.answer.Severity),
				Concerns: st.verification.Concerns,
				Reason:   "deadline",
			}
		}
		l.logger.Warn("analysis deadline exceeded without a candidate",
			"failure_id", st.input.Failure.ID, "iterations", st.iterations)
		return &AbortResult{Report: st.report(), Err: apperr.Wrap(apperr.KindDeadline, "react.run", err)}
	}

	l.logger.Error("analysis aborted",
		"failure_id", st.input.Failure.ID,
		"category", st.category,
		"iterations", st.iterations,
		"error", err,
	)
	if apperr.KindOf(err) != apperr.KindFatal {
		err = apperr.Fatal("react.run", err)
	}
	return &AbortResult{Report: st.report(), Err: err}
}
