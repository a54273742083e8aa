package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/filora/filora/internal/logging"
	"github.com/filora/filora/internal/metrics"
	"github.com/filora/filora/internal/storage"
)

var errInterrupted = errors.New("interrupted by restart")

// Restore reloads open sessions after a restart. Sessions whose blob no
// longer matches their bookkeeping, or that were mid-assembly, are failed.
// It returns how many sessions can be resumed.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	records, err := m.repo.ListOpenSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open sessions: %w", err)
	}

	resumable := 0
	for _, r := range records {
		store, err := m.stores.Get(r.BackendKind)
		if err != nil {
			r.State = string(StateFailed)
			r.Error = err.Error()
			r.UpdatedAt = m.now()
			if err := m.repo.SaveSession(ctx, r); err != nil {
				logging.Warn("failed to persist upload session", logging.UploadID(r.ID.String()), logging.Err(err))
			}
			logging.Warn("upload session backend gone", logging.UploadID(r.ID.String()), logging.Backend(string(r.BackendKind)))
			continue
		}

		s := sessionFromRecord(r, store)
		// Balanced by RecordSessionFinished once the session ends, here or later.
		metrics.RecordSessionStarted()
		if cause := m.check(ctx, s); cause != nil {
			m.fail(ctx, s, cause)
		} else {
			resumable++
		}
		m.mu.Lock()
		m.sessions[s.id] = s
		m.mu.Unlock()
	}

	logging.Info("upload sessions restored", zap.Int("open", len(records)), zap.Int("resumable", resumable))
	return resumable, nil
}

// check reports why s cannot resume, or nil.
func (m *Manager) check(ctx context.Context, s *Session) error {
	if s.state != StateUploading {
		return fmt.Errorf("%w in state %s", errInterrupted, s.state)
	}
	size, err := s.store.Size(ctx, s.handle)
	if err != nil {
		return err
	}
	if s.store.WriteMode() == storage.ModeAppend {
		if size != s.bytesWritten {
			return fmt.Errorf("%w: blob holds %d bytes, session recorded %d", errInterrupted, size, s.bytesWritten)
		}
		return nil
	}
	if end := s.acceptedEnd(); size < end {
		return fmt.Errorf("%w: blob holds %d bytes, accepted chunks reach %d", errInterrupted, size, end)
	}
	return nil
}

// ExpireIdle fails uploading sessions idle for longer than the idle
// timeout and forgets terminal sessions past the same age. Sessions busy
// with a chunk or assembly are skipped.
func (m *Manager) ExpireIdle(ctx context.Context) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := m.now()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	expired := 0
	for _, s := range sessions {
		if !s.mu.TryLock() {
			continue
		}
		idle := now.Sub(s.updatedAt) > m.cfg.IdleTimeout
		switch {
		case idle && s.state == StateUploading:
			m.fail(ctx, s, ErrExpired)
			expired++
		case idle && s.state.Terminal():
			m.mu.Lock()
			delete(m.sessions, s.id)
			m.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return expired
}

// StartReaper runs ExpireIdle every interval until ctx is done.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.ExpireIdle(ctx); n > 0 {
					logging.Info("expired idle uploads", zap.Int("count", n))
				}
			}
		}
	}()
}
