package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"rebalancer/internal/domain"
)

// SnapshotStore archives the per-cycle sizing snapshot (the quotes and share
// targets a cycle was sized against) as Parquet files for offline analysis.
// The live pipeline never reads these back; they exist so a cycle's sizing
// can be reconstructed without replaying brokerage calls.
type SnapshotStore struct {
	DataDir string
}

// NewSnapshotStore creates a SnapshotStore rooted at the given directory.
func NewSnapshotStore(dataDir string) *SnapshotStore {
	return &SnapshotStore{DataDir: dataDir}
}

// SizingRecord is the Parquet schema for one asset in a cycle's sizing
// snapshot.
type SizingRecord struct {
	CycleID      string  `parquet:"cycle_id"`
	AssetID      string  `parquet:"asset_id"`
	Name         string  `parquet:"name"`
	Price        float64 `parquet:"price"`
	Weight       float64 `parquet:"weight"`
	TargetShares int64   `parquet:"target_shares"`
	TargetValue  float64 `parquet:"target_value"`
	Timestamp    int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// WriteSizing writes the sizing snapshot for one cycle.
// Layout: <DataDir>/snapshots/<cycle_id>.parquet
func (s *SnapshotStore) WriteSizing(cycleID string, at time.Time, targets []domain.SizedTarget, prices map[string]float64) error {
	records := make([]SizingRecord, 0, len(targets))
	for _, t := range targets {
		records = append(records, SizingRecord{
			CycleID:      cycleID,
			AssetID:      t.AssetID,
			Name:         t.Name,
			Price:        prices[t.AssetID],
			Weight:       t.Weight,
			TargetShares: t.TargetShares,
			TargetValue:  t.TargetValue,
			Timestamp:    at.UnixMilli(),
		})
	}

	path := s.sizingPath(cycleID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("writing sizing snapshot %s: %w", cycleID, err)
	}
	return nil
}

// ReadSizing reads the sizing snapshot for one cycle.
func (s *SnapshotStore) ReadSizing(cycleID string) ([]SizingRecord, error) {
	records, err := parquet.ReadFile[SizingRecord](s.sizingPath(cycleID))
	if err != nil {
		return nil, fmt.Errorf("reading sizing snapshot %s: %w", cycleID, err)
	}
	return records, nil
}

func (s *SnapshotStore) sizingPath(cycleID string) string {
	return filepath.Join(s.DataDir, "snapshots", cycleID+".parquet")
}
