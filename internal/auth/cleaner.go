package auth

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultRevocationCleanInterval = time.Hour

// StartRevocationCleaner periodically drops revocation rows whose tokens have expired.
func (s *Service) StartRevocationCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRevocationCleanInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpiredRevocations(ctx)
			if err != nil {
				s.log.Warn("purge revoked tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Debug("purged revoked tokens", zap.Int64("count", n))
			}
		}
	}
}

// PurgeExpiredRevocations deletes rows for tokens that can no longer validate anyway.
func (s *Service) PurgeExpiredRevocations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM revoked_tokens WHERE expires_at <= ?`), s.now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
