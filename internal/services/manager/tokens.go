package manager

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskping/internal/storage"
	logx "taskping/pkg/logx"
)

// UpdateToken validates then upserts the user's device token. The
// token is stored even when validation fails, marked invalid, so the
// client can see (and refresh) its broken registration. Returns the
// recorded validity.
func (s *Service) UpdateToken(ctx context.Context, userID, token, platform string) bool {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(token) == "" {
		return false
	}
	valid := s.sender.Validate(ctx, token)
	err := s.store.UpsertToken(ctx, storage.PushToken{
		UserID:    userID,
		Token:     token,
		Platform:  platform,
		Valid:     valid,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		s.log.Warn("token upsert failed", logx.String("user", userID), logx.Err(err))
		return false
	}
	s.log.Info("token updated", logx.String("user", userID), logx.String("platform", platform), logx.Bool("valid", valid))
	return valid
}

// CleanupInvalidTokens removes the user's token row when it is marked
// invalid or older than 30 days. Returns rows removed.
func (s *Service) CleanupInvalidTokens(ctx context.Context, userID string) int {
	n, err := s.store.DeleteInvalidTokens(ctx, userID, time.Now().Add(-tokenMaxAge))
	if err != nil {
		s.log.Warn("token cleanup failed", logx.String("user", userID), logx.Err(err))
		return 0
	}
	return n
}

// ForceRefreshToken drops any stale/invalid row first, then stores the
// new token.
func (s *Service) ForceRefreshToken(ctx context.Context, userID, token, platform string) bool {
	_ = s.CleanupInvalidTokens(ctx, userID)
	return s.UpdateToken(ctx, userID, token, platform)
}

// UpdateSettings upserts the user's notification preferences.
func (s *Service) UpdateSettings(ctx context.Context, userID string, settings storage.Settings) bool {
	if strings.TrimSpace(userID) == "" {
		return false
	}
	settings.UserID = userID
	settings.UpdatedAt = time.Now()
	if settings.QuietHoursStart < 0 || settings.QuietHoursStart > 23 ||
		settings.QuietHoursEnd < 0 || settings.QuietHoursEnd > 23 {
		return false
	}
	if err := s.store.UpsertSettings(ctx, settings); err != nil {
		s.log.Warn("settings upsert failed", logx.String("user", userID), logx.Err(err))
		return false
	}
	return true
}

// SendTestNotification pushes a synthetic reminder to verify the
// end-to-end wiring for the user.
func (s *Service) SendTestNotification(ctx context.Context, userID string) bool {
	token, err := s.store.GetToken(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("token lookup failed", logx.String("user", userID), logx.Err(err))
		}
		return false
	}
	if !token.Valid {
		return false
	}

	out := s.sender.SendTest(ctx, token.Token)
	status := storage.StatusFailed
	if out.OK() {
		status = storage.StatusSent
	}
	if err := s.store.AppendDelivery(ctx, storage.DeliveryRecord{
		UserID:           userID,
		Type:             storage.TypeTest,
		Title:            "Test Notification",
		Body:             "Push notifications are working!",
		SentAt:           time.Now(),
		Status:           status,
		ProviderResponse: out.String(),
	}); err != nil {
		s.log.Warn("append delivery failed", logx.String("user", userID), logx.Err(err))
	}
	return out.OK()
}

// Stats aggregates delivery counts by type/status within the trailing
// window. An empty userID aggregates across all users; days <= 0 uses
// the 7-day default.
func (s *Service) Stats(ctx context.Context, userID string, days int) []storage.DeliveryStat {
	if days <= 0 {
		days = defaultStatsWindowDays
	}
	stats, err := s.store.DeliveryStats(ctx, userID, time.Now().AddDate(0, 0, -days))
	if err != nil {
		s.log.Warn("delivery stats failed", logx.String("user", userID), logx.Err(err))
		return nil
	}
	return stats
}
