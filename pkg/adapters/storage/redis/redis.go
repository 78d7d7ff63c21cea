package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const reportKeyPrefix = "alignflow:run:"

// RunStorage implements RunStorage using Redis. Reports are stored as
// JSON under alignflow:run:<run_id> and expire after ttl.
type RunStorage struct {
	client redis.UniversalClient
	logger *zap.Logger
	ttl    time.Duration
}

// NewRunStorage creates a new Redis run storage. A zero ttl keeps
// reports until they are deleted.
func NewRunStorage(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RunStorage {
	return &RunStorage{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveReport stores report, refreshing its TTL
func (s *RunStorage) SaveReport(ctx context.Context, report *domain.Report) error {
	if report == nil || report.RunID == "" {
		return fmt.Errorf("report run ID is required")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := s.client.Set(ctx, reportKey(report.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	s.logger.Debug("report saved",
		zap.String("run_id", report.RunID),
		zap.String("status", string(report.Status)))

	return nil
}

// GetReport loads a stored report
func (s *RunStorage) GetReport(ctx context.Context, runID string) (*domain.Report, error) {
	data, err := s.client.Get(ctx, reportKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	return decodeReport(data)
}

// DeleteReport removes a stored report
func (s *RunStorage) DeleteReport(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, reportKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}

	s.logger.Debug("report deleted", zap.String("run_id", runID))
	return nil
}

// ListReports returns every stored report, most recently submitted first.
// Keys that expire or fail to decode during the scan are skipped.
func (s *RunStorage) ListReports(ctx context.Context) ([]*domain.Report, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, reportKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	reports := make([]*domain.Report, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}

		report, err := decodeReport(data)
		if err != nil {
			s.logger.Warn("skipping undecodable report",
				zap.String("key", key),
				zap.Error(err))
			continue
		}

		reports = append(reports, report)
	}

	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].SubmittedAt.Equal(reports[j].SubmittedAt) {
			return reports[i].SubmittedAt.After(reports[j].SubmittedAt)
		}
		return reports[i].RunID < reports[j].RunID
	})
	return reports, nil
}

func decodeReport(data []byte) (*domain.Report, error) {
	var report domain.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &report, nil
}

// reportKey returns the Redis key for a run report
func reportKey(runID string) string {
	return reportKeyPrefix + runID
}
