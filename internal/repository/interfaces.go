// Package repository はセッションと委任トークンの永続化を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/fakturidias/internal/model"
)

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。存在しない場合はnilを返す。
	// 期限の判定は呼び出し側が読み込み時に行う。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByIdentity は指定識別子の全セッションを削除する。
	DeleteByIdentity(ctx context.Context, identity string) error
	// DeleteExpired は now 時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
