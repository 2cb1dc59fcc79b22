package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"evolution-gate/internal/analyzer"
	"evolution-gate/internal/audit"
	"evolution-gate/internal/monitor"
	"evolution-gate/internal/policy"
	"evolution-gate/internal/sandbox"
)

// auditTimeout bounds the synchronous trail write on the worker path.
const auditTimeout = 5 * time.Second

// Event is one state change on the decision feed. Decision is set only on
// decided transitions.
type Event struct {
	RequestID string           `json:"request_id"`
	State     State            `json:"state"`
	Decision  *policy.Decision `json:"decision,omitempty"`
	At        time.Time        `json:"at"`
}

// Snapshot is the externally visible view of a request.
type Snapshot struct {
	ID          string                   `json:"id"`
	State       State                    `json:"state"`
	Priority    Priority                 `json:"priority"`
	Isolation   sandbox.IsolationLevel   `json:"isolation"`
	SubmittedAt time.Time                `json:"submitted_at"`
	Report      *analyzer.Report         `json:"report,omitempty"`
	Execution   *sandbox.ExecutionResult `json:"execution,omitempty"`
	Decision    *policy.Decision         `json:"decision,omitempty"`
}

// tracked is the controller's in-memory record of one request.
type tracked struct {
	req       *EvolutionRequest
	state     State
	report    *analyzer.Report
	execution *sandbox.ExecutionResult
	decision  *policy.Decision
	// after is the state to enter once a failed audit write lands.
	after State
	// cancelled is set when the submitter withdraws a request a worker
	// already picked up; cancelRun aborts its sandbox stage.
	cancelled bool
	cancelRun context.CancelFunc
}

// Controller runs the pipeline. Submit enqueues; a fixed worker set drains
// the queue; the audit record is written before any decision becomes
// visible.
type Controller struct {
	analyzer *analyzer.Analyzer
	executor *sandbox.Executor
	engine   *policy.Engine
	store    audit.Store
	writer   *audit.Writer
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	queue    *queue
	workers  int
	logger   zerolog.Logger

	mu      sync.Mutex
	tracked map[string]*tracked
	closed  bool

	events chan Event
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type Options struct {
	Workers     int
	QueueSize   int
	AuditBuffer int
}

func NewController(opts Options, an *analyzer.Analyzer, ex *sandbox.Executor,
	eng *policy.Engine, store audit.Store, metrics *monitor.Metrics) *Controller {

	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		analyzer: an,
		executor: ex,
		engine:   eng,
		store:    store,
		metrics:  metrics,
		tracer:   monitor.NewTracer(),
		queue:    newQueue(opts.QueueSize),
		workers:  opts.Workers,
		logger:   log.With().Str("component", "controller").Logger(),
		tracked:  make(map[string]*tracked),
		events:   make(chan Event, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.writer = audit.NewWriter(store, opts.AuditBuffer, c.onAuditOutcome)
	return c
}

// Start restores parked reviews from the trail and launches the workers.
func (c *Controller) Start(ctx context.Context) error {
	parked, err := c.store.PendingReviews(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for i := range parked {
		rec := parked[i]
		req := requestFromSnapshot(rec.Request)
		c.tracked[rec.RequestID] = &tracked{
			req:       req,
			state:     StatePendingHumanReview,
			report:    &rec.Report,
			execution: rec.Execution,
			decision:  rec.Decision,
		}
		c.metrics.PendingReviews.Inc()
	}
	restored := len(parked)
	c.mu.Unlock()
	if restored > 0 {
		c.logger.Info().Int("count", restored).Msg("restored pending reviews from audit trail")
	}

	c.writer.Start()
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Submit validates and enqueues a request, returning its ID.
func (c *Controller) Submit(ctx context.Context, req *EvolutionRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Isolation == "" {
		req.Isolation = sandbox.IsolationMaximum
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	for i := range req.Tests {
		if req.Tests[i].Name == "" {
			req.Tests[i].Name = fmt.Sprintf("t%d", i+1)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if _, ok := c.tracked[req.ID]; ok {
		c.mu.Unlock()
		return "", ErrDuplicateID
	}
	c.tracked[req.ID] = &tracked{req: req, state: StateSubmitted}
	c.mu.Unlock()

	if err := c.queue.push(req); err != nil {
		c.mu.Lock()
		delete(c.tracked, req.ID)
		c.mu.Unlock()
		return "", err
	}

	c.metrics.QueueDepth.Set(float64(c.queue.depth()))
	c.metrics.SourceSizeBytes.Observe(float64(len(req.Source)))
	c.emit(Event{RequestID: req.ID, State: StateSubmitted, At: time.Now().UTC()})
	c.logger.Info().
		Str("request_id", req.ID).
		Str("priority", req.Priority.String()).
		Str("isolation", string(req.Isolation)).
		Int("tests", len(req.Tests)).
		Msg("request submitted")
	return req.ID, nil
}

// Status returns the current view of a request, falling back to the audit
// trail for requests decided before a restart.
func (c *Controller) Status(ctx context.Context, id string) (*Snapshot, error) {
	c.mu.Lock()
	t, ok := c.tracked[id]
	if ok {
		snap := c.snapshotLocked(id, t)
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	return snapshotFromRecord(rec), nil
}

// Cancel withdraws a request. A still-queued request moves straight to
// Cancelled; once a worker has picked it up the sandbox run is torn down
// and the request terminates as Rejected with a "cancelled" decision, so
// the trail never has a hole where a run happened.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	t, ok := c.tracked[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}

	if t.state == StateSubmitted && c.queue.remove(id) {
		t.state = StateCancelled
		rec := c.recordLocked(t, StateCancelled, nil)
		delete(c.tracked, id)
		c.mu.Unlock()

		wctx, cancel := context.WithTimeout(ctx, auditTimeout)
		err := c.store.Append(wctx, rec)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Str("request_id", id).Msg("cancel audit write failed, retrying in background")
			c.writer.Enqueue(rec)
		}

		c.metrics.QueueDepth.Set(float64(c.queue.depth()))
		c.metrics.RecordOutcome("none", string(StateCancelled))
		c.emit(Event{RequestID: id, State: StateCancelled, At: time.Now().UTC()})
		c.logger.Info().Str("request_id", id).Msg("request cancelled")
		return nil
	}

	switch t.state {
	case StateSubmitted, StateStaticAnalyzing, StateSandboxTesting:
		t.cancelled = true
		stop := t.cancelRun
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		c.logger.Info().Str("request_id", id).Msg("cancellation requested, tearing down run")
		return nil
	default:
		c.mu.Unlock()
		return ErrNotCancellable
	}
}

// PendingReviews lists requests parked for a human.
func (c *Controller) PendingReviews(ctx context.Context) []*Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Snapshot
	for id, t := range c.tracked {
		if t.state.AwaitingReview() {
			out = append(out, c.snapshotLocked(id, t))
		}
	}
	return out
}

// ResolveReview records a human decision for a parked request. The resolve
// record is written to the trail before the terminal state is published.
func (c *Controller) ResolveReview(ctx context.Context, id string, approve bool, reviewer, note string) error {
	c.mu.Lock()
	t, ok := c.tracked[id]
	if !ok || !t.state.AwaitingReview() {
		c.mu.Unlock()
		return ErrNotPending
	}
	target := StateApproved
	if !approve {
		target = StateRejected
	}
	decision := policy.HumanDecision(approve, reviewer, note, time.Now())
	rec := c.recordLocked(t, target, &decision)
	c.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, auditTimeout)
	err := c.store.Resolve(wctx, id, rec)
	cancel()
	if err != nil {
		c.logger.Warn().Err(err).Str("request_id", id).Msg("resolve audit write failed, parking for re-audit")
		c.park(id, target, &decision)
		c.writer.EnqueueResolve(rec)
		return nil
	}

	c.metrics.PendingReviews.Dec()
	c.metrics.RecordOutcome("review", string(target))
	c.finalize(id, target, &decision)
	return nil
}

// Events is the decision feed. Slow consumers miss events rather than block
// the pipeline.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Close stops intake, drains the workers, and flushes the audit writer.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.queue.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn().Msg("controller shutdown timed out, abandoning workers")
	}

	c.cancel()
	c.writer.Flush(auditTimeout)
	close(c.events)
}

func (c *Controller) worker(n int) {
	defer c.wg.Done()
	logger := c.logger.With().Int("worker", n).Logger()

	for {
		req := c.queue.pop()
		if req == nil {
			return
		}
		c.metrics.QueueDepth.Set(float64(c.queue.depth()))
		c.process(req, logger)
	}
}

// process runs one request through the pipeline stages.
func (c *Controller) process(req *EvolutionRequest, logger zerolog.Logger) {
	runCtx, stop := context.WithCancel(c.ctx)
	defer stop()

	c.mu.Lock()
	t, ok := c.tracked[req.ID]
	if !ok {
		c.mu.Unlock()
		return
	}
	t.cancelRun = stop
	c.mu.Unlock()

	ctx, span := c.tracer.StartSpan(runCtx, "process",
		monitor.AttrRequestID.String(req.ID),
		monitor.AttrIsolation.String(string(req.Isolation)))
	defer span.End()

	c.setState(req.ID, StateStaticAnalyzing)
	start := time.Now()
	report := c.analyzer.Analyze(req.Source)
	c.metrics.ObserveStage("static_analysis", time.Since(start).Seconds())
	c.metrics.SecurityScore.Observe(report.SecurityScore)
	span.SetAttributes(monitor.AttrRisk.String(string(report.Risk)))

	c.mu.Lock()
	t.report = &report
	cancelled := t.cancelled
	c.mu.Unlock()

	// Blocked and dangerous units never reach the sandbox. Dynamic evidence
	// cannot launder a dangerous static verdict, so there is nothing to
	// gain by running them.
	var result *sandbox.ExecutionResult
	if !cancelled && report.Risk != analyzer.RiskBlocked && report.Risk != analyzer.RiskDangerous {
		c.setState(req.ID, StateSandboxTesting)
		start = time.Now()
		res := c.executor.Execute(ctx, req.Source, req.Tests, sandbox.ProfileFor(req.Isolation))
		c.metrics.ObserveStage("sandbox", time.Since(start).Seconds())
		c.metrics.SandboxesInUse.Set(float64(c.executor.InUse()))
		if res.Status.Failure() {
			c.metrics.RecordSandboxError(string(res.Status))
		}
		result = &res

		c.mu.Lock()
		t.execution = result
		c.mu.Unlock()
	}

	// Entering the deciding stage closes the cancellation window: the state
	// change and the final flag read happen under one lock, so Cancel either
	// lands before this point or reports ErrNotCancellable. Blocked units
	// skip the stage; they terminate straight out of analysis.
	if !report.Blocked() {
		c.mu.Lock()
		if CanTransition(t.state, StateDeciding) {
			t.state = StateDeciding
		}
		cancelled = t.cancelled
		c.mu.Unlock()
		c.emit(Event{RequestID: req.ID, State: StateDeciding, At: time.Now().UTC()})
	}

	var decision policy.Decision
	var target State
	switch {
	case report.Blocked():
		decision = c.engine.Decide(report, nil)
		target = StateBlocked
	case cancelled:
		// The cancelled run context already tore the sandbox down; what
		// remains is recording the withdrawal as a rejection.
		decision = policy.Cancelled(time.Now())
		target = StateRejected
	default:
		decision = c.engine.Decide(report, result)
		target = StateRejected
		switch decision.Approval {
		case policy.AutoApprove:
			target = StateAutoApproved
		case policy.RequireReview:
			target = StatePendingHumanReview
		}
	}
	span.SetAttributes(monitor.AttrApproval.String(string(decision.Approval)))

	c.mu.Lock()
	rec := c.recordLocked(t, target, &decision)
	c.mu.Unlock()

	wctx, cancel := context.WithTimeout(c.ctx, auditTimeout)
	err := c.store.Append(wctx, rec)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Str("request_id", req.ID).Msg("audit write failed, parking for re-audit")
		c.park(req.ID, target, &decision)
		c.writer.Enqueue(rec)
		return
	}

	c.metrics.RecordOutcome(string(report.Risk), string(target))
	if target == StatePendingHumanReview {
		c.metrics.PendingReviews.Inc()
	}
	c.finalize(req.ID, target, &decision)

	logger.Info().
		Str("request_id", req.ID).
		Str("risk", string(report.Risk)).
		Str("approval", string(decision.Approval)).
		Str("state", string(target)).
		Msg("request decided")
}

// park moves a request into the re-audit holding state. The decision stays
// withheld until the background writer lands the record.
func (c *Controller) park(id string, after State, decision *policy.Decision) {
	c.mu.Lock()
	if t, ok := c.tracked[id]; ok && CanTransition(t.state, StateNeedsReaudit) {
		t.state = StateNeedsReaudit
		t.after = after
		t.decision = decision
	}
	c.mu.Unlock()
	c.emit(Event{RequestID: id, State: StateNeedsReaudit, At: time.Now().UTC()})
}

// onAuditOutcome is called by the background writer when a retried record
// lands or fails permanently.
func (c *Controller) onAuditOutcome(requestID string, err error) {
	if err != nil {
		c.logger.Error().Err(err).Str("request_id", requestID).
			Msg("audit record lost, request held in re-audit state")
		return
	}

	c.mu.Lock()
	t, ok := c.tracked[requestID]
	if !ok || t.state != StateNeedsReaudit {
		c.mu.Unlock()
		return
	}
	after, decision := t.after, t.decision
	verdict := "unknown"
	if t.report != nil {
		verdict = string(t.report.Risk)
	}
	c.mu.Unlock()

	if after == StatePendingHumanReview {
		c.metrics.PendingReviews.Inc()
	}
	c.metrics.RecordOutcome(verdict, string(after))
	c.finalize(requestID, after, decision)
}

// finalize publishes a decided state and forgets terminal requests. Parked
// reviews stay tracked so ResolveReview can find them.
func (c *Controller) finalize(id string, state State, decision *policy.Decision) {
	c.mu.Lock()
	t, ok := c.tracked[id]
	if ok {
		t.state = state
		t.decision = decision
		if state.Terminal() {
			delete(c.tracked, id)
		}
	}
	c.mu.Unlock()

	c.emit(Event{RequestID: id, State: state, Decision: decision, At: time.Now().UTC()})
}

func (c *Controller) setState(id string, state State) {
	c.mu.Lock()
	if t, ok := c.tracked[id]; ok && CanTransition(t.state, state) {
		t.state = state
	}
	c.mu.Unlock()
	c.emit(Event{RequestID: id, State: state, At: time.Now().UTC()})
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// recordLocked builds the audit record for a tracked request. Caller holds
// c.mu. Decision is nil for requests cancelled before processing.
func (c *Controller) recordLocked(t *tracked, state State, decision *policy.Decision) *audit.Record {
	rec := &audit.Record{
		RequestID: t.req.ID,
		State:     string(state),
		Request: audit.RequestSnapshot{
			ID:          t.req.ID,
			Source:      t.req.Source,
			Tests:       t.req.Tests,
			Isolation:   string(t.req.Isolation),
			Priority:    int(t.req.Priority),
			SubmittedAt: t.req.SubmittedAt,
		},
		Execution: t.execution,
		Decision:  decision,
		DecidedAt: time.Now().UTC(),
	}
	if decision != nil {
		rec.DecidedAt = decision.DecidedAt
	}
	if t.report != nil {
		rec.Report = *t.report
	}
	return rec
}

func (c *Controller) snapshotLocked(id string, t *tracked) *Snapshot {
	return &Snapshot{
		ID:          id,
		State:       t.state,
		Priority:    t.req.Priority,
		Isolation:   t.req.Isolation,
		SubmittedAt: t.req.SubmittedAt,
		Report:      t.report,
		Execution:   t.execution,
		Decision:    t.decision,
	}
}

func snapshotFromRecord(rec *audit.Record) *Snapshot {
	report := rec.Report
	return &Snapshot{
		ID:          rec.RequestID,
		State:       State(rec.State),
		Priority:    Priority(rec.Request.Priority),
		Isolation:   sandbox.IsolationLevel(rec.Request.Isolation),
		SubmittedAt: rec.Request.SubmittedAt,
		Report:      &report,
		Execution:   rec.Execution,
		Decision:    rec.Decision,
	}
}

func requestFromSnapshot(snap audit.RequestSnapshot) *EvolutionRequest {
	return &EvolutionRequest{
		ID:          snap.ID,
		Source:      snap.Source,
		Tests:       snap.Tests,
		Isolation:   sandbox.IsolationLevel(snap.Isolation),
		Priority:    Priority(snap.Priority),
		SubmittedAt: snap.SubmittedAt,
	}
}
