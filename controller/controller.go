// Package controller drives the outer iteration loop: plan, execute,
// synthesize, evaluate, critique, and repeat until the artifact meets the
// quality bar or the iteration budget runs out.
package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/iterflow/hitl"
	"github.com/BaSui01/iterflow/internal/metrics"
	"github.com/BaSui01/iterflow/persistence"
	"github.com/BaSui01/iterflow/roles"
	"github.com/BaSui01/iterflow/scheduler"
	"github.com/BaSui01/iterflow/tool"
	"github.com/BaSui01/iterflow/types"
)

const (
	// MaxIterations is the default iteration budget.
	MaxIterations = 10
	// MaxScore is the score at which an artifact is accepted.
	MaxScore = 10
)

// Outcome classifies how a session ended.
type Outcome string

const (
	// OutcomeSuccess means an iteration's artifact scored MaxScore.
	OutcomeSuccess Outcome = "success"
	// OutcomeBudgetExhausted means the iteration budget ran out; the best
	// artifact so far is returned.
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
	// OutcomeCancelled means a human declined the plan or the continue
	// prompt.
	OutcomeCancelled Outcome = "cancelled"
)

// Options configures an IterationController.
type Options struct {
	// Registry supplies the role executors. Planner, worker, synthesizer,
	// and evaluator are required; reflector and aggregator are optional.
	Registry *roles.Registry
	Tools    *tool.Executor
	// Approvals gates plans, destructive tools, and continuation. Required
	// unless AutoApprove is set.
	Approvals *hitl.ApprovalManager
	// Gate revives tasks suspended for external review.
	Gate *hitl.ReviewGate
	// Store persists session snapshots after each iteration. Optional;
	// save failures are logged, never fatal.
	Store persistence.Store
	// SessionID identifies the session in snapshots and logs. Generated
	// when empty.
	SessionID string
	// Mode selects sequential or concurrent task dispatch.
	Mode scheduler.Mode
	// AutoApprove skips every human gate: plans run immediately,
	// destructive tools execute without confirmation, and iterations
	// continue without prompting.
	AutoApprove bool
	// Evaluators is the number of evaluator instances scoring each
	// artifact in parallel. Defaults to 1.
	Evaluators int
	// MaxIterations overrides the default budget.
	MaxIterations int
	// Sink receives streamed artifact chunks during synthesis. Optional.
	Sink      roles.ArtifactSink
	Collector *metrics.Collector
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// IterationController owns one session's refinement loop. It is not safe
// for concurrent use; run one session per controller.
type IterationController struct {
	planner     roles.Planner
	worker      roles.Worker
	reflector   roles.Reflector
	synthesizer roles.Synthesizer
	evaluators  []roles.Evaluator
	aggregator  roles.Aggregator

	tools         *tool.Executor
	approvals     *hitl.ApprovalManager
	gate          *hitl.ReviewGate
	store         persistence.Store
	sessionID     string
	mode          scheduler.Mode
	autoApprove   bool
	maxIterations int
	sink          roles.ArtifactSink
	collector     *metrics.Collector
	tracer        trace.Tracer
	logger        *zap.Logger
}

// Result reports how a session ended and what it produced.
type Result struct {
	SessionID  string
	Outcome    Outcome
	Artifact   string
	Evaluation types.Evaluation
	Iterations int
	Context    *types.TaskContext
}

// NewIterationController resolves the role executors from the registry and
// builds a controller. Each evaluator slot gets its own instance so
// stateful implementations never share scoring state.
func NewIterationController(opts Options) (*IterationController, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("controller requires a role registry")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("controller requires a tool executor")
	}
	if !opts.AutoApprove && opts.Approvals == nil {
		return nil, fmt.Errorf("controller requires an approval manager unless auto-approve is set")
	}

	planner, err := opts.Registry.ResolvePlanner()
	if err != nil {
		return nil, err
	}
	worker, err := opts.Registry.ResolveWorker()
	if err != nil {
		return nil, err
	}
	synthesizer, err := opts.Registry.ResolveSynthesizer()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "iteration_controller"))

	// Optional roles: absence falls back to plain retry notes and mean
	// aggregation.
	reflector, err := opts.Registry.ResolveReflector()
	if err != nil {
		logger.Debug("no reflector registered, using plain retry notes")
		reflector = nil
	}
	aggregator, err := opts.Registry.ResolveAggregator()
	if err != nil {
		logger.Debug("no aggregator registered, using mean aggregation")
		aggregator = nil
	}

	n := opts.Evaluators
	if n <= 0 {
		n = 1
	}
	evaluators := make([]roles.Evaluator, n)
	for i := range evaluators {
		ev, err := opts.Registry.ResolveEvaluator()
		if err != nil {
			return nil, err
		}
		evaluators[i] = ev
	}

	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = MaxIterations
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("iterflow/controller")
	}

	return &IterationController{
		planner:       planner,
		worker:        worker,
		reflector:     reflector,
		synthesizer:   synthesizer,
		evaluators:    evaluators,
		aggregator:    aggregator,
		tools:         opts.Tools,
		approvals:     opts.Approvals,
		gate:          opts.Gate,
		store:         opts.Store,
		sessionID:     sessionID,
		mode:          opts.Mode,
		autoApprove:   opts.AutoApprove,
		maxIterations: maxIterations,
		sink:          opts.Sink,
		collector:     opts.Collector,
		tracer:        tracer,
		logger:        logger.With(zap.String("session_id", sessionID)),
	}, nil
}

// Run drives the refinement loop for one request until success,
// budget exhaustion, a human decline, or an error.
func (c *IterationController) Run(ctx context.Context, request string) (*Result, error) {
	tc := types.NewTaskContext(request)

	exec := scheduler.NewAttemptExecutor(scheduler.AttemptExecutorOptions{
		Worker:      c.worker,
		Reflector:   c.reflector,
		Tools:       c.tools,
		Approvals:   c.approvals,
		Gate:        c.gate,
		Progress:    tc.Progress,
		AutoApprove: c.autoApprove,
		Collector:   c.collector,
		Logger:      c.logger,
	})
	sched := scheduler.NewScheduler(exec, c.gate, c.mode, c.logger)

	for {
		iteration := tc.CurrentIteration
		eval, err := c.runIteration(ctx, tc, sched)
		if err != nil {
			return nil, err
		}
		if eval == nil {
			// Plan declined.
			c.logger.Info("session cancelled at plan approval", zap.Int("iteration", iteration))
			return c.result(OutcomeCancelled, tc), nil
		}

		c.logger.Info("iteration evaluated",
			zap.Int("iteration", iteration),
			zap.Int("score", eval.Score))

		if eval.Score >= MaxScore {
			return c.result(OutcomeSuccess, tc), nil
		}
		if iteration >= c.maxIterations {
			c.logger.Info("iteration budget exhausted", zap.Int("budget", c.maxIterations))
			return c.result(OutcomeBudgetExhausted, tc), nil
		}

		if !c.autoApprove {
			ok, err := c.confirmContinue(ctx, tc, eval)
			if err != nil {
				return nil, err
			}
			if !ok {
				c.logger.Info("session cancelled at continue prompt", zap.Int("iteration", iteration))
				return c.result(OutcomeCancelled, tc), nil
			}
		}
	}
}

// runIteration executes one full cycle and archives it. A nil evaluation
// with nil error means the plan was declined.
func (c *IterationController) runIteration(ctx context.Context, tc *types.TaskContext, sched *scheduler.Scheduler) (*types.Evaluation, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "controller.iteration",
		trace.WithAttributes(attribute.Int("iteration", tc.CurrentIteration)))
	defer span.End()

	plan, err := c.plan(ctx, tc)
	if err != nil {
		c.recordIteration("error", start)
		return nil, err
	}

	approved, err := c.approvePlan(ctx, tc, plan)
	if err != nil {
		c.recordIteration("error", start)
		return nil, err
	}
	if !approved {
		c.recordIteration("cancelled", start)
		return nil, nil
	}

	tc.Subtasks = plan.Subtasks()
	graph, err := scheduler.NewTaskGraph(tc.Subtasks)
	if err != nil {
		c.recordIteration("error", start)
		return nil, err
	}
	if err := sched.Run(ctx, graph); err != nil {
		c.recordIteration("error", start)
		return nil, fmt.Errorf("iteration %d: %w", tc.CurrentIteration, err)
	}

	artifact, err := c.synthesizer.Synthesize(ctx, tc, c.sink)
	if err != nil {
		c.recordIteration("error", start)
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	eval, err := c.evaluate(ctx, artifact, tc)
	if err != nil {
		c.recordIteration("error", start)
		return nil, err
	}

	tc.Archive(artifact, *eval)
	c.persist(ctx, tc)

	if eval.Score >= MaxScore {
		c.recordIteration("success", start)
	} else {
		c.recordIteration("continue", start)
	}
	return eval, nil
}

// plan asks the planner for the next plan, feeding back the previous
// iteration's artifact and critique when one exists.
func (c *IterationController) plan(ctx context.Context, tc *types.TaskContext) (*roles.Plan, error) {
	req := roles.PlanRequest{
		Request:   tc.OriginalRequest,
		Iteration: tc.CurrentIteration,
	}
	if rec := tc.LastRecord(); rec != nil {
		req.PriorArtifact = rec.Artifact
		req.Suggestions = rec.Evaluation.Suggestions
		req.Summary = rec.Evaluation.Summary
	}

	plan, err := c.planner.Plan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("plan iteration %d: %w", tc.CurrentIteration, err)
	}
	if err := roles.ValidatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// approvePlan submits the plan to the human gate. Auto-approve mode skips
// the gate entirely.
func (c *IterationController) approvePlan(ctx context.Context, tc *types.TaskContext, plan *roles.Plan) (bool, error) {
	if c.autoApprove {
		return true, nil
	}

	var b strings.Builder
	for _, t := range plan.Tasks {
		fmt.Fprintf(&b, "%d. %s (deps %v)\n", t.ID, t.Description, t.Dependencies)
	}
	resp, err := c.approvals.Request(ctx, hitl.GateTypePlanApproval,
		fmt.Sprintf("Plan for iteration %d", tc.CurrentIteration), b.String(), plan)
	if err != nil {
		return false, err
	}
	if !resp.Approved {
		c.logger.Info("plan rejected", zap.String("comment", resp.Comment))
		return false, nil
	}
	return true, nil
}

// evaluate scores the artifact with every evaluator in parallel and merges
// the verdicts. Any evaluator error fails the iteration.
func (c *IterationController) evaluate(ctx context.Context, artifact string, tc *types.TaskContext) (*types.Evaluation, error) {
	verdicts := make([]*roles.EvaluatorVerdict, len(c.evaluators))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, ev := range c.evaluators {
		eg.Go(func() error {
			v, err := ev.Evaluate(egCtx, artifact, tc)
			if err != nil {
				return fmt.Errorf("evaluator %d: %w", i, err)
			}
			verdicts[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if c.aggregator != nil {
		return c.aggregator.Aggregate(ctx, verdicts, tc)
	}
	return meanAggregate(verdicts), nil
}

// meanAggregate is the default verdict merge: the mean score rounded to
// nearest, and every distinct suggestion in verdict order.
func meanAggregate(verdicts []*roles.EvaluatorVerdict) *types.Evaluation {
	sum := 0
	seen := make(map[string]bool)
	var suggestions []string
	for _, v := range verdicts {
		sum += v.Score
		for _, s := range v.Suggestions {
			if !seen[s] {
				seen[s] = true
				suggestions = append(suggestions, s)
			}
		}
	}
	score := (sum + len(verdicts)/2) / len(verdicts)
	return &types.Evaluation{Score: score, Suggestions: suggestions}
}

// confirmContinue asks the human whether to spend another iteration.
func (c *IterationController) confirmContinue(ctx context.Context, tc *types.TaskContext, eval *types.Evaluation) (bool, error) {
	desc := fmt.Sprintf("Iteration %d scored %d/%d. Suggestions: %s",
		tc.CurrentIteration-1, eval.Score, MaxScore, strings.Join(eval.Suggestions, "; "))
	resp, err := c.approvals.Request(ctx, hitl.GateTypeContinue,
		"Continue refining?", desc, eval)
	if err != nil {
		return false, err
	}
	return resp.Approved, nil
}

func (c *IterationController) persist(ctx context.Context, tc *types.TaskContext) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, c.sessionID, tc); err != nil {
		c.logger.Warn("snapshot save failed", zap.Error(err))
	}
}

func (c *IterationController) recordIteration(outcome string, start time.Time) {
	c.collector.RecordIteration(outcome, time.Since(start))
}

func (c *IterationController) result(outcome Outcome, tc *types.TaskContext) *Result {
	res := &Result{
		SessionID:  c.sessionID,
		Outcome:    outcome,
		Iterations: len(tc.History),
		Context:    tc,
	}
	if rec := tc.LastRecord(); rec != nil {
		res.Artifact = rec.Artifact
		res.Evaluation = rec.Evaluation
	}
	return res
}
