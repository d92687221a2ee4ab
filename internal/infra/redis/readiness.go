package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"batchgate/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	readinessKeyPrefix = "readiness:"
	scanBatchSize      = 100
)

// ReadinessStore reads machine readiness snapshots published by shop-floor
// gateways under readiness:<machineId>. This service never writes them;
// readiness feeds display counts only, never conflict detection.
type ReadinessStore struct {
	client *goredis.Client
	logger *zap.Logger
}

func NewReadinessStore(client *goredis.Client, logger *zap.Logger) (*ReadinessStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadinessStore{client: client, logger: logger}, nil
}

type readinessDocument struct {
	Status     string    `json:"status"`
	ReportedAt time.Time `json:"reportedAt"`
}

// Get returns the readiness snapshot for one machine, or nil when the
// gateway has not reported it.
func (s *ReadinessStore) Get(ctx context.Context, machineID string) (*domain.MachineReadiness, error) {
	machineID = strings.TrimSpace(machineID)
	if machineID == "" {
		return nil, fmt.Errorf("%w: machine id is required", domain.ErrValidation)
	}

	raw, err := s.client.Get(ctx, readinessKeyPrefix+machineID).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read readiness for %s: %w", machineID, err)
	}

	readiness, err := s.parse(machineID, raw)
	if err != nil {
		return nil, err
	}
	return &readiness, nil
}

// Snapshot returns every reported machine readiness keyed by machine id.
// Malformed entries are skipped with a warning so one bad gateway report
// cannot blank the whole readiness view.
func (s *ReadinessStore) Snapshot(ctx context.Context) (map[string]domain.MachineReadiness, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := s.client.Scan(ctx, cursor, readinessKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan readiness keys: %w", err)
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	snapshot := make(map[string]domain.MachineReadiness, len(keys))
	if len(keys) == 0 {
		return snapshot, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read readiness values: %w", err)
	}

	for i, key := range keys {
		machineID := strings.TrimPrefix(key, readinessKeyPrefix)
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		readiness, err := s.parse(machineID, raw)
		if err != nil {
			s.logger.Warn("skipping malformed readiness entry",
				zap.String("machineId", machineID),
				zap.Error(err))
			continue
		}
		snapshot[machineID] = readiness
	}

	return snapshot, nil
}

func (s *ReadinessStore) parse(machineID, raw string) (domain.MachineReadiness, error) {
	var doc readinessDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return domain.MachineReadiness{}, fmt.Errorf("failed to decode readiness for %s: %w", machineID, err)
	}

	status, err := domain.ParseReadinessStatusFromString(doc.Status)
	if err != nil {
		return domain.MachineReadiness{}, err
	}

	return domain.MachineReadiness{
		MachineID:  machineID,
		Status:     status,
		ReportedAt: doc.ReportedAt,
	}, nil
}
