package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/eventbus"
)

// FeedConfig tunes the journal feed publisher.
type FeedConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	RetryBackoffBase time.Duration
}

// DefaultFeedConfig returns the standard feed settings.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		PollInterval:     500 * time.Millisecond,
		BatchSize:        100,
		RetryBackoffBase: time.Second,
	}
}

// feedMessage is the wire shape of one journal entry on the bus.
type feedMessage struct {
	Seq         int64           `json:"seq"`
	UserID      string          `json:"user_id"`
	EntryType   string          `json:"entry_type"`
	CanonicalID string          `json:"canonical_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// FeedPublisher polls pending journal entries and publishes them to the
// bus, preserving per-user order because entries come back seq-ascending
// and a failed entry blocks only its own retries, not the sequence it has
// already passed. Consumers must tolerate redelivery.
type FeedPublisher struct {
	journal   domain.JournalRepository
	publisher eventbus.Publisher
	config    FeedConfig
	logger    *slog.Logger

	wg       sync.WaitGroup
	stopChan chan struct{}
	running  bool
	mu       sync.Mutex

	statsMu sync.Mutex
	stats   FeedStats
}

// FeedStats is a snapshot of publisher counters.
type FeedStats struct {
	Running        bool
	PublishedCount uint64
	FailedCount    uint64
	DeadCount      uint64
	LastError      string
	LastErrorAt    *time.Time
}

// NewFeedPublisher creates a feed publisher.
func NewFeedPublisher(journal domain.JournalRepository, publisher eventbus.Publisher, config FeedConfig, logger *slog.Logger) *FeedPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedPublisher{
		journal:   journal,
		publisher: publisher,
		config:    config,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the polling loop in a goroutine.
func (p *FeedPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("journal feed publisher started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
	)
	return nil
}

// Stop drains the loop and waits for it to exit.
func (p *FeedPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("journal feed publisher stopped")
}

// IsRunning reports whether the loop is active.
func (p *FeedPublisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *FeedPublisher) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				p.logger.Error("failed to process feed batch", "error", err)
			}
		}
	}
}

// ProcessOnce runs one batch synchronously.
func (p *FeedPublisher) ProcessOnce(ctx context.Context) error {
	return p.processBatch(ctx)
}

func (p *FeedPublisher) processBatch(ctx context.Context) error {
	entries, err := p.journal.PendingFeed(ctx, p.config.BatchSize)
	if err != nil {
		p.recordError(err)
		return err
	}

	for _, entry := range entries {
		if err := p.publishEntry(ctx, entry); err != nil {
			entry.MarkFeedFailed(err.Error(), p.config.RetryBackoffBase)
			if entry.FeedStatus == domain.FeedDead {
				p.recordDead(err)
				p.logger.Error("journal entry dead-lettered",
					"seq", entry.Seq,
					"entry_type", entry.EntryType,
					"error", err,
				)
			} else {
				p.recordFailed(err)
				p.logger.Warn("journal entry publish failed",
					"seq", entry.Seq,
					"entry_type", entry.EntryType,
					"attempts", entry.FeedAttempts,
					"error", err,
				)
			}
		} else {
			entry.MarkPublished()
			p.recordPublished()
		}

		if err := p.journal.UpdateFeedState(ctx, entry); err != nil {
			p.logger.Error("failed to update feed state",
				"seq", entry.Seq,
				"error", err,
			)
		}
	}
	return nil
}

func (p *FeedPublisher) publishEntry(ctx context.Context, entry *domain.JournalEntry) error {
	msg := feedMessage{
		Seq:         entry.Seq,
		UserID:      entry.UserID.String(),
		EntryType:   entry.EntryType,
		CanonicalID: entry.CanonicalID,
		Payload:     entry.Payload,
		OccurredAt:  entry.OccurredAt,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.publisher.Publish(ctx, entry.RoutingKey(), raw)
}

// Stats returns current counters.
func (p *FeedPublisher) Stats() FeedStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	stats := p.stats
	stats.Running = p.IsRunning()
	return stats
}

func (p *FeedPublisher) recordPublished() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.PublishedCount++
}

func (p *FeedPublisher) recordFailed(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.FailedCount++
	now := time.Now()
	p.stats.LastError = err.Error()
	p.stats.LastErrorAt = &now
}

func (p *FeedPublisher) recordDead(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.DeadCount++
	now := time.Now()
	p.stats.LastError = err.Error()
	p.stats.LastErrorAt = &now
}

func (p *FeedPublisher) recordError(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	now := time.Now()
	p.stats.LastError = err.Error()
	p.stats.LastErrorAt = &now
}
