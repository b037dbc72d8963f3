// Package write executes queued mirror writes against provider calendars.
// Tasks fan out into per-account lanes so one slow or broken account never
// stalls the others, while tasks for the same canonical event always share
// a lane and therefore execute in dispatch order.
package write

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	graphApp "github.com/tminus-app/tminus/internal/graph/application"
	"github.com/tminus-app/tminus/internal/projection"
	"github.com/tminus-app/tminus/internal/provider"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Config tunes the pipeline. Zero values select the defaults.
type Config struct {
	// QueueSize bounds each lane's backlog; Dispatch blocks when full.
	QueueSize int
	// MaxRetries caps transient retries before the mirror is failed.
	MaxRetries int
	// BackoffBase and BackoffMax bound the exponential retry backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// AccountInflight is the number of lanes (concurrent writes) per account.
	AccountInflight int
	// CallDeadline bounds each individual provider call.
	CallDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.AccountInflight <= 0 {
		c.AccountInflight = 4
	}
	if c.CallDeadline <= 0 {
		c.CallDeadline = 30 * time.Second
	}
	return c
}

// Target is a resolved write destination: the provider client plus the
// concrete calendar id for the task's calendar kind.
type Target struct {
	Client     provider.Client
	CalendarID string
}

// AccountGateway is the pipeline's view of the account context.
type AccountGateway interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
	// ForceRefresh discards any cached token and mints a fresh one; used
	// once per task after a provider auth rejection.
	ForceRefresh(ctx context.Context, accountID string) (string, error)
	ResolveTarget(ctx context.Context, accountID string, kind projection.CalendarKind) (Target, error)
}

// ResultSink receives write outcomes; the graph coordinator implements it.
type ResultSink interface {
	MirrorWritten(ctx context.Context, userID, mirrorID uuid.UUID, remoteEventID, contentHash string) error
	MirrorFailed(ctx context.Context, userID, mirrorID uuid.UUID, reason string) error
	MirrorDeleted(ctx context.Context, userID, mirrorID uuid.UUID) error
}

type accountLanes struct {
	lanes   []chan graphApp.WriteTask
	breaker *gobreaker.CircuitBreaker[string]
}

// Pipeline consumes write tasks and drives them to completion. It
// implements graph application.WriteDispatcher.
type Pipeline struct {
	gateway AccountGateway
	sink    ResultSink
	cfg     Config
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	accounts map[string]*accountLanes
	closed   bool
}

// NewPipeline creates a write pipeline. Lanes are spun up lazily per
// account on first dispatch.
func NewPipeline(gateway AccountGateway, sink ResultSink, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		gateway:  gateway,
		sink:     sink,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		accounts: make(map[string]*accountLanes),
	}
}

// Dispatch queues a task onto its account lane, blocking when the lane is
// full. Same-canonical tasks land on the same lane, preserving order.
func (p *Pipeline) Dispatch(ctx context.Context, task graphApp.WriteTask) error {
	lanes, err := p.lanesFor(task.AccountID)
	if err != nil {
		return err
	}
	lane := lanes.lanes[laneIndex(task.CanonicalID, len(lanes.lanes))]

	select {
	case lane <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("write pipeline closed")
	}
}

// Close stops accepting tasks, waits for in-flight work, and returns.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, account := range p.accounts {
		for _, lane := range account.lanes {
			close(lane)
		}
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

func (p *Pipeline) lanesFor(accountID string) (*accountLanes, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("write pipeline closed")
	}
	if lanes, ok := p.accounts[accountID]; ok {
		return lanes, nil
	}

	lanes := &accountLanes{
		breaker: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:    "write:" + accountID,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	for range p.cfg.AccountInflight {
		lane := make(chan graphApp.WriteTask, p.cfg.QueueSize)
		lanes.lanes = append(lanes.lanes, lane)
		p.wg.Add(1)
		go p.runLane(lane, lanes.breaker)
	}
	p.accounts[accountID] = lanes
	return lanes, nil
}

func laneIndex(canonicalID string, lanes int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(canonicalID))
	return int(h.Sum32() % uint32(lanes))
}

func (p *Pipeline) runLane(lane <-chan graphApp.WriteTask, breaker *gobreaker.CircuitBreaker[string]) {
	defer p.wg.Done()
	for task := range lane {
		p.execute(task, breaker)
	}
}

// execute drives one task to a terminal outcome: mirror written, mirror
// deleted, or mirror failed. It never returns an error; every path reports
// through the sink.
func (p *Pipeline) execute(task graphApp.WriteTask, breaker *gobreaker.CircuitBreaker[string]) {
	ctx := p.ctx

	target, err := p.gateway.ResolveTarget(ctx, task.AccountID, task.CalendarKind)
	if err != nil {
		p.fail(ctx, task, fmt.Sprintf("resolving target: %v", err))
		return
	}

	var lastErr error
	refreshed := false
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !p.backoff(ctx, attempt) {
				return
			}
		}

		token, err := p.token(ctx, task.AccountID, refreshed)
		if err != nil {
			if transientTokenError(err) {
				lastErr = err
				continue
			}
			p.fail(ctx, task, fmt.Sprintf("acquiring token: %v", err))
			return
		}

		remoteID, err := breaker.Execute(func() (string, error) {
			return p.call(ctx, target, token, task)
		})

		switch {
		case err == nil:
			p.succeed(ctx, task, remoteID)
			return

		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			lastErr = err

		case provider.IsGone(err):
			switch task.Op {
			case graphApp.WriteDelete:
				// Already gone at the provider; that is the goal state.
				p.delete(ctx, task)
				return
			case graphApp.WritePatch:
				// The mirror vanished remotely; recreate it instead.
				task.Op = graphApp.WriteCreate
				task.RemoteEventID = ""
				task.IdempotencyKey = projection.IdempotencyKey(
					task.CanonicalID, task.AccountID, task.Payload.Tags.PolicyEdgeID, "", projection.OpCreate)
				lastErr = err
			default:
				p.fail(ctx, task, fmt.Sprintf("target gone: %v", err))
				return
			}

		case provider.IsAuthRejected(err):
			if refreshed {
				p.fail(ctx, task, "provider rejected token after forced refresh")
				return
			}
			refreshed = true
			lastErr = err

		case provider.IsTransient(err):
			lastErr = err

		default:
			p.fail(ctx, task, fmt.Sprintf("terminal provider error: %v", err))
			return
		}
	}

	p.fail(ctx, task, fmt.Sprintf("retries exhausted: %v", lastErr))
}

func (p *Pipeline) token(ctx context.Context, accountID string, force bool) (string, error) {
	if force {
		return p.gateway.ForceRefresh(ctx, accountID)
	}
	return p.gateway.AccessToken(ctx, accountID)
}

func (p *Pipeline) call(ctx context.Context, target Target, token string, task graphApp.WriteTask) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallDeadline)
	defer cancel()

	switch task.Op {
	case graphApp.WriteCreate:
		return target.Client.Create(callCtx, token, target.CalendarID, task.Payload, task.IdempotencyKey)
	case graphApp.WritePatch:
		err := target.Client.Patch(callCtx, token, target.CalendarID, task.RemoteEventID, task.Payload, task.IdempotencyKey)
		return task.RemoteEventID, err
	case graphApp.WriteDelete:
		return "", target.Client.Delete(callCtx, token, target.CalendarID, task.RemoteEventID)
	default:
		return "", fmt.Errorf("unknown write op %q", task.Op)
	}
}

func (p *Pipeline) succeed(ctx context.Context, task graphApp.WriteTask, remoteID string) {
	if task.Op == graphApp.WriteDelete {
		p.delete(ctx, task)
		return
	}
	if err := p.sink.MirrorWritten(ctx, task.UserID, task.MirrorID, remoteID, task.Payload.Tags.ContentHash); err != nil {
		p.logger.Error("mirror written callback failed",
			"mirror_id", task.MirrorID,
			"error", err,
		)
	}
}

func (p *Pipeline) delete(ctx context.Context, task graphApp.WriteTask) {
	if err := p.sink.MirrorDeleted(ctx, task.UserID, task.MirrorID); err != nil {
		p.logger.Error("mirror deleted callback failed",
			"mirror_id", task.MirrorID,
			"error", err,
		)
	}
}

func (p *Pipeline) fail(ctx context.Context, task graphApp.WriteTask, reason string) {
	p.logger.Warn("write task failed",
		"account_id", task.AccountID,
		"mirror_id", task.MirrorID,
		"op", task.Op,
		"reason", reason,
	)
	if err := p.sink.MirrorFailed(ctx, task.UserID, task.MirrorID, reason); err != nil {
		p.logger.Error("mirror failed callback failed",
			"mirror_id", task.MirrorID,
			"error", err,
		)
	}
}

// backoff sleeps for the attempt's exponential delay. Returns false when
// the pipeline shut down mid-sleep.
func (p *Pipeline) backoff(ctx context.Context, attempt int) bool {
	delay := p.cfg.BackoffBase << (attempt - 1)
	if delay > p.cfg.BackoffMax {
		delay = p.cfg.BackoffMax
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// transientTokenError reports whether a token acquisition failure is worth
// retrying: provider outages and rate limits are, dead credentials are not.
func transientTokenError(err error) bool {
	return sharedDomain.HasCode(err, sharedDomain.CodeUnavailable) ||
		sharedDomain.HasCode(err, sharedDomain.CodeRateLimited)
}
