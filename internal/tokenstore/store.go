package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/fakturidias/internal/metrics"
	"github.com/hitoshi/fakturidias/internal/model"
)

// ErrRecordChanged は条件付き書き込みの対象が読み込み後に更新または削除されたことを示す。
var ErrRecordChanged = errors.New("token record changed since it was loaded")

// storeNow は UpdatedAt に使う時刻を返す。データベース層の精度に揃えて
// マイクロ秒に切り捨て、どの層から読み戻しても同じ値で比較できるようにする。
func storeNow() time.Time {
	return time.Now().Truncate(time.Microsecond)
}

// Store は順序付けられたストレージ層の上に構築したリードスルーキャッシュ。
type Store struct {
	tiers   []Tier
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time

	stampMu   sync.Mutex
	lastStamp time.Time
}

// NewStore はStoreを生成する。tiers は Level の降順に並べ替えられる。
func NewStore(logger *slog.Logger, collector metrics.MetricsCollector, tiers ...Tier) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Level() > sorted[j].Level()
	})
	return &Store{
		tiers:   sorted,
		logger:  logger,
		metrics: metrics.OrNop(collector),
		now:     storeNow,
	}
}

// Tiers は優先順に並んだ層を返す。
func (s *Store) Tiers() []Tier {
	return s.tiers
}

// Get は識別子のレコードを上位層から順に探す。
//
// 到達可能な上位層が未保持で下位層にタグなしのレコードがある場合、
// 最上位の到達可能な層へ一度だけ複製する。複製済みタグ付きのレコードは
// 上位層で削除済みとみなし、上位層がすべて到達不能な場合のみ返す。
func (s *Store) Get(ctx context.Context, identity string) (*model.TokenRecord, error) {
	var missed []Tier
	failures := 0

	for _, t := range s.tiers {
		rec, err := t.Load(ctx, identity)
		if err != nil {
			s.tierFailed(t, "load", err)
			failures++
			continue
		}
		if rec == nil {
			missed = append(missed, t)
			continue
		}
		if len(missed) == 0 {
			return rec, nil
		}
		if rec.MigratedAt != nil {
			// 並行する複製直後の読み込みに備えて上位層を一度だけ読み直す
			existing, err := missed[0].Load(ctx, identity)
			if err != nil {
				s.tierFailed(missed[0], "load", err)
				return nil, nil
			}
			return existing, nil
		}
		return s.migrateOnce(ctx, rec, t, missed[0]), nil
	}

	if failures == len(s.tiers) && failures > 0 {
		return nil, fmt.Errorf("failed to load tokens: %w", model.ErrPersistenceUnavailable)
	}
	return nil, nil
}

// migrateOnce は下位層 from のレコードを上位層 to に存在しない場合のみ複製する。
// 複製に失敗した場合は下位層のレコードをそのまま返す。
func (s *Store) migrateOnce(ctx context.Context, rec *model.TokenRecord, from, to Tier) *model.TokenRecord {
	now := s.now()

	up := cloneRecord(rec)
	up.ClearHandoff()
	up.MigratedFrom = from.Name()
	up.MigratedAt = nil
	up.UpdatedAt = s.stamp()

	inserted, err := to.SaveIfAbsent(ctx, up)
	if err != nil {
		s.tierFailed(to, "migrate", err)
		return rec
	}

	result := up
	if inserted {
		s.metrics.RecordMigration(from.Name(), to.Name())
		s.logger.Info("migrated delegated tokens to higher tier",
			slog.String("identity", rec.Identity),
			slog.String("from", from.Name()),
			slog.String("to", to.Name()),
		)
	} else {
		existing, err := to.Load(ctx, rec.Identity)
		if err != nil {
			s.tierFailed(to, "load", err)
		} else if existing != nil {
			result = existing
		}
	}

	if err := from.MarkMigrated(ctx, rec.Identity, now); err != nil {
		s.tierFailed(from, "mark_migrated", err)
	}
	return result
}

// Put はレコードを最上位の到達可能な層に書き込む。
// すべての層が失敗した場合は ErrPersistenceUnavailable を返す。
func (s *Store) Put(ctx context.Context, rec *model.TokenRecord) (string, error) {
	rec.UpdatedAt = s.stamp()
	rec.MigratedAt = nil

	var errs []error
	for _, t := range s.tiers {
		if err := t.Save(ctx, rec); err != nil {
			s.tierFailed(t, "save", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		return t.Name(), nil
	}
	return "", fmt.Errorf("%w: %w", model.ErrPersistenceUnavailable, errors.Join(errs...))
}

// stamp は UpdatedAt に使う時刻を返す。プロセス内では単調に増加させ、
// 続けて書き込んだ版が同じ値にならないようにする。
func (s *Store) stamp() time.Time {
	t := s.now()
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

// PutIfUnchanged は最上位の到達可能な層のレコードが loadedAt 時点のままの場合に限り書き込む。
// 読み込み後に別の書き込みがあった場合や削除済みの場合は何も書き込まず ErrRecordChanged を返す。
func (s *Store) PutIfUnchanged(ctx context.Context, rec *model.TokenRecord, loadedAt time.Time) (string, error) {
	rec.UpdatedAt = s.stamp()
	rec.MigratedAt = nil

	var errs []error
	for _, t := range s.tiers {
		ok, err := t.SaveIfUnchanged(ctx, rec, loadedAt)
		if err != nil {
			s.tierFailed(t, "save_if_unchanged", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		if !ok {
			return t.Name(), ErrRecordChanged
		}
		return t.Name(), nil
	}
	return "", fmt.Errorf("%w: %w", model.ErrPersistenceUnavailable, errors.Join(errs...))
}

// ConsumeHandoff はハンドオフコードのダイジェストに一致するレコードを探し、
// コードを消去したうえで返す。一致しない場合は ErrInvalidOrExpiredCode を返す。
func (s *Store) ConsumeHandoff(ctx context.Context, digest string, now time.Time) (*model.TokenRecord, error) {
	failures := 0
	for _, t := range s.tiers {
		rec, err := t.ConsumeHandoff(ctx, digest, now)
		if err != nil {
			s.tierFailed(t, "consume_handoff", err)
			failures++
			continue
		}
		if rec != nil {
			return rec, nil
		}
	}
	if failures == len(s.tiers) && failures > 0 {
		return nil, fmt.Errorf("failed to consume handoff code: %w", model.ErrPersistenceUnavailable)
	}
	return nil, model.ErrInvalidOrExpiredCode
}

// Delete はすべての層から識別子のレコードを削除する。
// 一部の層が失敗しても残りの層の削除は続行する。
func (s *Store) Delete(ctx context.Context, identity string) error {
	var errs []error
	for _, t := range s.tiers {
		if err := t.Delete(ctx, identity); err != nil {
			s.tierFailed(t, "delete", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete tokens from every tier: %w", errors.Join(errs...))
	}
	return nil
}

// Latest は指定した層の順に、最も新しく更新されたレコードを探す。
// LatestLoader を実装していない層は対象外。
func (s *Store) Latest(ctx context.Context, levels ...Level) (*model.TokenRecord, error) {
	for _, level := range levels {
		for _, t := range s.tiers {
			if t.Level() != level {
				continue
			}
			loader, ok := t.(LatestLoader)
			if !ok {
				continue
			}
			rec, err := loader.LoadLatest(ctx)
			if err != nil {
				s.tierFailed(t, "load_latest", err)
				continue
			}
			if rec != nil {
				return rec, nil
			}
		}
	}
	return nil, nil
}

// PurgeExpiredHandoffs は HandoffPurger を実装する全層から期限切れのコードを消去し、
// 消去した件数の合計を返す。失敗した層があっても残りの層は続行する。
func (s *Store) PurgeExpiredHandoffs(ctx context.Context, now time.Time) (int64, error) {
	var (
		total int64
		errs  []error
	)
	for _, t := range s.tiers {
		purger, ok := t.(HandoffPurger)
		if !ok {
			continue
		}
		n, err := purger.PurgeExpiredHandoffs(ctx, now)
		if err != nil {
			s.tierFailed(t, "purge_handoffs", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (s *Store) tierFailed(t Tier, op string, err error) {
	s.metrics.RecordTierFailure(t.Name(), op)
	s.logger.Warn("token tier unavailable, falling back",
		slog.String("tier", t.Name()),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}
