package store

import (
	"context"
	"time"

	"github.com/forkline/notifier/internal/model"
)

// SyncWithServer pushes every pending acknowledgment to the backend. Guarded
// by an in-flight flag: a sync requested while one is running returns
// ErrSyncInFlight rather than queuing.
//
// An acknowledgment that keeps failing is dropped from the pending set once
// its notification's retry count reaches MaxAckRetries. That is an accepted
// data-loss boundary: the notification stays visible as locally acknowledged,
// the server just never learns about it.
func (s *Store) SyncWithServer(ctx context.Context) error {
	if !s.syncing.CompareAndSwap(false, true) {
		return ErrSyncInFlight
	}
	defer s.syncing.Store(false)

	ids := s.PendingIDs()
	failures := 0

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.client.Acknowledge(ctx, id)

		s.mu.Lock()
		n, ok := s.notifications[id]
		switch {
		case !ok:
			// Purged while pending; nothing left to sync.
			delete(s.pending, id)

		case err == nil:
			n.AcknowledgedByServer = true
			n.SyncedWithServer = true
			s.notifications[id] = n
			delete(s.pending, id)

		default:
			failures++
			n.RetryCount++
			s.notifications[id] = n
			if n.RetryCount >= s.cfg.MaxAckRetries {
				delete(s.pending, id)
				s.logger.Warn("dropping acknowledgment after max retries",
					"id", id,
					"retries", n.RetryCount,
					"error", err,
				)
			} else {
				s.logger.Debug("acknowledgment sync failed, will retry",
					"id", id,
					"retries", n.RetryCount,
					"error", err,
				)
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if failures == 0 {
		s.lastSyncAt = time.Now()
	}

	return s.persistLocked(ctx)
}

// FetchMissed retrieves server-side unacknowledged notifications created
// since the last successful sync (or the configured lookback window when no
// sync has ever succeeded), merges them into the store without clobbering
// local-only fields, and returns the merged records so the caller can feed
// them through the live dispatch path.
func (s *Store) FetchMissed(ctx context.Context) ([]model.Notification, error) {
	since := s.cfg.MissedLookback
	if last := s.LastSyncAt(); !last.IsZero() {
		since = time.Since(last)
	}

	fetched, err := s.client.GetAllUnacknowledged(ctx, since)
	if err != nil {
		return nil, err
	}
	if len(fetched) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	merged := make([]model.Notification, 0, len(fetched))
	for _, n := range fetched {
		merged = append(merged, s.upsertLocked(n))
	}
	err = s.persistLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("merged missed notifications",
		"fetched", len(fetched),
		"window", since,
	)

	return merged, nil
}
