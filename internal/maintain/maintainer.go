// Package maintain runs the background upkeep jobs: webhook channel
// renewal, proactive token refresh, daily drift reconciliation, hold
// garbage collection and stale-session expiry.
package maintain

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	accountApp "github.com/tminus-app/tminus/internal/account/application"
	graphApp "github.com/tminus-app/tminus/internal/graph/application"
	"github.com/tminus-app/tminus/internal/scheduling"
)

// UserSource enumerates the users whose graphs need per-user upkeep.
type UserSource interface {
	UserIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Config sets the job cadences. Zero values select the defaults.
type Config struct {
	ChannelRenewInterval  time.Duration // default 6h
	ChannelRenewThreshold time.Duration // default 24h
	TokenHealthInterval   time.Duration // default 12h
	TokenRefreshHorizon   time.Duration // default 1h
	DriftScanInterval     time.Duration // default 24h
	HoldGCInterval        time.Duration // default 5m
	SessionSweepInterval  time.Duration // default 1h
}

func (c Config) withDefaults() Config {
	if c.ChannelRenewInterval <= 0 {
		c.ChannelRenewInterval = 6 * time.Hour
	}
	if c.ChannelRenewThreshold <= 0 {
		c.ChannelRenewThreshold = 24 * time.Hour
	}
	if c.TokenHealthInterval <= 0 {
		c.TokenHealthInterval = 12 * time.Hour
	}
	if c.TokenRefreshHorizon <= 0 {
		c.TokenRefreshHorizon = time.Hour
	}
	if c.DriftScanInterval <= 0 {
		c.DriftScanInterval = 24 * time.Hour
	}
	if c.HoldGCInterval <= 0 {
		c.HoldGCInterval = 5 * time.Minute
	}
	if c.SessionSweepInterval <= 0 {
		c.SessionSweepInterval = time.Hour
	}
	return c
}

// Maintainer owns the upkeep tickers. One instance per worker process.
type Maintainer struct {
	accounts  *accountApp.Manager
	graphs    *graphApp.CoordinatorRegistry
	scheduler *scheduling.Scheduler
	users     UserSource
	cfg       Config
	logger    *slog.Logger
	running   atomic.Bool
	stop      chan struct{}
}

// NewMaintainer creates the periodic maintainer.
func NewMaintainer(
	accounts *accountApp.Manager,
	graphs *graphApp.CoordinatorRegistry,
	scheduler *scheduling.Scheduler,
	users UserSource,
	cfg Config,
	logger *slog.Logger,
) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		accounts:  accounts,
		graphs:    graphs,
		scheduler: scheduler,
		users:     users,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Run blocks, firing each job on its cadence until the context ends or
// Stop is called.
func (m *Maintainer) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("maintainer already running")
	}
	defer m.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	channels := time.NewTicker(m.cfg.ChannelRenewInterval)
	defer channels.Stop()
	tokens := time.NewTicker(m.cfg.TokenHealthInterval)
	defer tokens.Stop()
	drift := time.NewTicker(m.cfg.DriftScanInterval)
	defer drift.Stop()
	holds := time.NewTicker(m.cfg.HoldGCInterval)
	defer holds.Stop()
	sessions := time.NewTicker(m.cfg.SessionSweepInterval)
	defer sessions.Stop()

	for {
		select {
		case <-channels.C:
			m.RenewChannels(runCtx)
		case <-tokens.C:
			m.RefreshTokens(runCtx)
		case <-drift.C:
			m.ReconcileDrift(runCtx)
		case <-holds.C:
			m.CollectHolds(runCtx)
		case <-sessions.C:
			m.ExpireSessions(runCtx)
		case <-runCtx.Done():
			return ctx.Err()
		}
	}
}

// Stop ends a blocked Run.
func (m *Maintainer) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// RenewChannels renews every webhook channel expiring within the
// threshold.
func (m *Maintainer) RenewChannels(ctx context.Context) {
	expiring, err := m.accounts.WatchExpiring(ctx, m.cfg.ChannelRenewThreshold)
	if err != nil {
		m.logger.Error("listing expiring channels failed", "error", err)
		return
	}
	for _, account := range expiring {
		coordinator := m.accounts.Coordinator(account.ID(), account.Provider())
		renewed, err := coordinator.RenewChannelIfExpiring(ctx, m.cfg.ChannelRenewThreshold)
		if err != nil {
			m.logger.Warn("channel renewal failed", "account_id", account.ID(), "error", err)
			continue
		}
		if renewed {
			m.logger.Info("webhook channel renewed", "account_id", account.ID())
		}
	}
}

// RefreshTokens force-refreshes access tokens that expire within the
// refresh horizon, so sync never stalls on a token mint.
func (m *Maintainer) RefreshTokens(ctx context.Context) {
	accounts, err := m.accounts.ActiveAccounts(ctx)
	if err != nil {
		m.logger.Error("listing active accounts failed", "error", err)
		return
	}
	now := time.Now()
	for _, account := range accounts {
		if !account.Provider().RequiresOAuth() {
			continue
		}
		if account.AccessTokenValid(now, m.cfg.TokenRefreshHorizon) {
			continue
		}
		coordinator := m.accounts.Coordinator(account.ID(), account.Provider())
		if _, err := coordinator.ForceRefresh(ctx); err != nil {
			m.logger.Warn("proactive token refresh failed", "account_id", account.ID(), "error", err)
		}
	}
}

// ReconcileDrift walks every user's mirror registry.
func (m *Maintainer) ReconcileDrift(ctx context.Context) {
	m.eachUser(ctx, func(userID uuid.UUID) {
		deletes, err := m.graphs.Coordinator(userID).ReconcileDrift(ctx)
		if err != nil {
			m.logger.Warn("drift reconciliation failed", "user_id", userID, "error", err)
			return
		}
		if deletes > 0 {
			m.logger.Info("drift reconciliation queued deletions", "user_id", userID, "count", deletes)
		}
	})
}

// CollectHolds releases holds whose slot already passed and expires any
// session left with no live hold.
func (m *Maintainer) CollectHolds(ctx context.Context) {
	now := time.Now().UTC()
	m.eachUser(ctx, func(userID uuid.UUID) {
		affected, err := m.graphs.Coordinator(userID).ReleaseExpiredHolds(ctx, now)
		if err != nil {
			m.logger.Warn("hold collection failed", "user_id", userID, "error", err)
			return
		}
		for _, sessionID := range affected {
			if _, err := m.scheduler.ExpireSessionIfAllHoldsTerminal(ctx, sessionID); err != nil {
				m.logger.Warn("session expiry check failed", "session_id", sessionID, "error", err)
			}
		}
	})
}

// ExpireSessions ages out sessions that never committed.
func (m *Maintainer) ExpireSessions(ctx context.Context) {
	expired, err := m.scheduler.ExpireStaleSessions(ctx, time.Now().UTC())
	if err != nil {
		m.logger.Warn("stale session sweep failed", "error", err)
		return
	}
	if expired > 0 {
		m.logger.Info("stale sessions expired", "count", expired)
	}
}

func (m *Maintainer) eachUser(ctx context.Context, fn func(userID uuid.UUID)) {
	userIDs, err := m.users.UserIDs(ctx)
	if err != nil {
		m.logger.Error("listing users failed", "error", err)
		return
	}
	for _, userID := range userIDs {
		fn(userID)
	}
}
