package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// byteCache is the raw key/value surface every cache tier provides.
type byteCache interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func reportKey(runID string) string {
	return "run:" + runID
}

// EncodeReport serializes a run report for caching.
func EncodeReport(rep *domain.RunReport) ([]byte, error) {
	data, err := msgpack.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return data, nil
}

// DecodeReport parses a cached run report.
func DecodeReport(data []byte) (*domain.RunReport, error) {
	var rep domain.RunReport
	if err := msgpack.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &rep, nil
}

func getReport(ctx context.Context, c byteCache, tenantID, runID string) (*domain.RunReport, error) {
	data, err := c.Get(ctx, tenantID, reportKey(runID))
	if err != nil || data == nil {
		return nil, err
	}
	return DecodeReport(data)
}

func setReport(ctx context.Context, c byteCache, tenantID string, rep *domain.RunReport, ttl time.Duration) error {
	data, err := EncodeReport(rep)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, reportKey(rep.RunID), data, ttl)
}
