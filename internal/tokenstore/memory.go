package tokenstore

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/fakturidias/internal/model"
)

// MemoryTier はプロセス内のマップに保存する最下位の層。
// プロセス再起動で失われる。
type MemoryTier struct {
	mu      sync.Mutex
	records map[string]*model.TokenRecord
}

var _ Tier = (*MemoryTier)(nil)

// NewMemoryTier はMemoryTierを生成する。
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{records: make(map[string]*model.TokenRecord)}
}

func (m *MemoryTier) Name() string { return "memory" }
func (m *MemoryTier) Level() Level { return LevelMemory }

func (m *MemoryTier) Load(_ context.Context, identity string) (*model.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRecord(m.records[identity]), nil
}

func (m *MemoryTier) Save(_ context.Context, rec *model.TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Identity] = cloneRecord(rec)
	return nil
}

func (m *MemoryTier) SaveIfAbsent(_ context.Context, rec *model.TokenRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Identity]; ok {
		return false, nil
	}
	m.records[rec.Identity] = cloneRecord(rec)
	return true, nil
}

func (m *MemoryTier) SaveIfUnchanged(_ context.Context, rec *model.TokenRecord, loadedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[rec.Identity]
	if !ok || !existing.UpdatedAt.Equal(loadedAt) {
		return false, nil
	}
	m.records[rec.Identity] = cloneRecord(rec)
	return true, nil
}

func (m *MemoryTier) MarkMigrated(_ context.Context, identity string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[identity]; ok {
		rec.MigratedAt = &at
	}
	return nil
}

func (m *MemoryTier) ConsumeHandoff(_ context.Context, digest string, now time.Time) (*model.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.HandoffValid(digest, now) {
			rec.ClearHandoff()
			return cloneRecord(rec), nil
		}
	}
	return nil, nil
}

func (m *MemoryTier) Delete(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, identity)
	return nil
}

// LoadLatest は最も新しく更新されたレコードを返す。
func (m *MemoryTier) LoadLatest(_ context.Context) (*model.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.TokenRecord
	for _, rec := range m.records {
		if latest == nil || rec.UpdatedAt.After(latest.UpdatedAt) {
			latest = rec
		}
	}
	return cloneRecord(latest), nil
}
