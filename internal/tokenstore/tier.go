// Package tokenstore は委任トークンを耐久性の異なる複数のストレージ層に保存する。
//
// 層は memory < disk < database の順に並び、Store は上位層から順に読み込む
// リードスルーキャッシュとして振る舞う。上位層が到達可能かつ未保持で、
// 下位層にのみデータがある場合は一度だけ上位層へ複製する。
package tokenstore

import (
	"context"
	"time"

	"github.com/hitoshi/fakturidias/internal/model"
)

// Level はストレージ層の耐久性の順位。値が大きいほど優先される。
type Level int

const (
	LevelMemory   Level = 0
	LevelDisk     Level = 1
	LevelDatabase Level = 2
)

// Tier は1つのストレージ層を表す。
// 到達不能な場合はエラーを返し、Store は次の層へフォールバックする。
// 該当データがない場合は nil, nil を返す。
type Tier interface {
	Name() string
	Level() Level

	Load(ctx context.Context, identity string) (*model.TokenRecord, error)
	Save(ctx context.Context, rec *model.TokenRecord) error
	// SaveIfAbsent は識別子のレコードが存在しない場合のみ保存する。
	// 保存した場合に true を返す。存在確認と保存は不可分に行う。
	SaveIfAbsent(ctx context.Context, rec *model.TokenRecord) (bool, error)
	// SaveIfUnchanged は保存済みレコードの UpdatedAt が loadedAt と一致する場合のみ保存する。
	// レコードがない場合も保存しない。保存した場合に true を返す。比較と保存は不可分に行う。
	SaveIfUnchanged(ctx context.Context, rec *model.TokenRecord, loadedAt time.Time) (bool, error)
	// MarkMigrated はレコードに上位層へ複製済みのタグを付ける。
	MarkMigrated(ctx context.Context, identity string, at time.Time) error
	// ConsumeHandoff はダイジェストが一致し期限内のレコードを探し、
	// 同じ操作の中でハンドオフコードを消去する。
	ConsumeHandoff(ctx context.Context, digest string, now time.Time) (*model.TokenRecord, error)
	Delete(ctx context.Context, identity string) error
}

// LatestLoader は最も新しく更新されたレコードを返せる層が実装する。
// 識別子のない単一テナント互換経路でのみ使う。
type LatestLoader interface {
	LoadLatest(ctx context.Context) (*model.TokenRecord, error)
}

// HandoffPurger は期限切れのハンドオフコードを一括で消去できる層が実装する。
// 読み込み時の期限判定が正であり、これは保存データの整理に過ぎない。
// 複数のプロセスから不可分に書き換えられる層だけが実装する。
type HandoffPurger interface {
	PurgeExpiredHandoffs(ctx context.Context, now time.Time) (int64, error)
}

func cloneRecord(rec *model.TokenRecord) *model.TokenRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	if rec.HandoffExpires != nil {
		t := *rec.HandoffExpires
		c.HandoffExpires = &t
	}
	if rec.MigratedAt != nil {
		t := *rec.MigratedAt
		c.MigratedAt = &t
	}
	return &c
}
