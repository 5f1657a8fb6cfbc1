package sessions

import (
	"context"
	"time"

	"github.com/pkg/errors"

	autherrors "github.com/moodesky/atproto-auth/internal/errors"
	"github.com/moodesky/atproto-auth/internal/redact"
	"github.com/moodesky/atproto-auth/token"
)

// Run starts the proactive refresh scheduler and blocks until ctx is
// cancelled. Each tracked account owns exactly one task in the arena;
// removal cancels the task deterministically via Forget.
func (m *Manager) Run(ctx context.Context) error {
	m.lock.Lock()
	m.runCtx = ctx
	for did := range m.states {
		m.spawnTaskLocked(did)
	}
	m.lock.Unlock()

	<-ctx.Done()

	m.lock.Lock()
	for did, cancel := range m.tasks {
		cancel()
		delete(m.tasks, did)
	}
	m.runCtx = nil
	m.lock.Unlock()
	return nil
}

// spawnTaskLocked starts the refresh task for did unless one is already
// running. Callers must hold m.lock.
func (m *Manager) spawnTaskLocked(did string) {
	if _, ok := m.tasks[did]; ok {
		return
	}
	taskCtx, cancel := context.WithCancel(m.runCtx)
	m.tasks[did] = cancel
	go m.runTask(taskCtx, did)
}

func (m *Manager) runTask(ctx context.Context, did string) {
	backoff := m.cfg.RefreshBackoff
	for {
		if !m.sleep(ctx, m.nextRefreshDelay(ctx, did)) {
			return
		}

		constraints := m.constraints()
		if constraints.PowerSave || !constraints.NetworkAvailable {
			// Degrade by skipping the cycle, never by refreshing with
			// credentials we cannot rotate.
			m.log.Debug().Str("subject", redact.String(did)).Msg("refresh cycle skipped under constraints")
			if !m.sleep(ctx, backoff) {
				return
			}
			backoff = m.growBackoff(backoff)
			continue
		}

		if _, err := m.ProactiveRefresh(ctx, did); err != nil {
			if errors.Is(err, autherrors.ErrUnauthorized) || errors.Is(err, autherrors.ErrNotFound) {
				// Terminal for this account: nothing a scheduler can fix.
				return
			}
			if !m.sleep(ctx, backoff) {
				return
			}
			backoff = m.growBackoff(backoff)
			continue
		}
		backoff = m.cfg.RefreshBackoff
	}
}

// nextRefreshDelay computes how long until the account's remaining token
// lifetime crosses the refresh margin.
func (m *Manager) nextRefreshDelay(ctx context.Context, did string) time.Duration {
	account, err := m.store.GetByDID(ctx, did)
	if err != nil {
		return 0
	}
	exp := token.ExpirationOf(account.Session.AccessToken)
	if exp == nil {
		return 0
	}
	delay := exp.Sub(m.nowTime()) - m.cfg.RefreshMargin
	if delay < 0 {
		return 0
	}
	return delay
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		// Still yield to cancellation between cycles.
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) growBackoff(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > m.cfg.MaxRefreshBackoff {
		backoff = m.cfg.MaxRefreshBackoff
	}
	return backoff
}
