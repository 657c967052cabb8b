package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/fakturidias/internal/model"
	"github.com/hitoshi/fakturidias/internal/tokenstore"
)

// defaultTokenQueryTimeout はデータベース層が応答しない場合に次の層へ
// フォールバックするまでの待ち時間。
const defaultTokenQueryTimeout = 3 * time.Second

// PostgresTokenRepo はPostgreSQLを使用した委任トークンの保存層。
// 最上位の層として扱われるため、複製済みタグは持たない。
type PostgresTokenRepo struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db, timeout: defaultTokenQueryTimeout}
}

func (r *PostgresTokenRepo) Name() string             { return "database" }
func (r *PostgresTokenRepo) Level() tokenstore.Level { return tokenstore.LevelDatabase }

const selectTokenColumns = `identity, tokens, handoff_code, handoff_expires, migrated_from, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTokenRecord(row rowScanner) (*model.TokenRecord, error) {
	var (
		rec            model.TokenRecord
		tokens         []byte
		handoffCode    sql.NullString
		handoffExpires sql.NullTime
		migratedFrom   sql.NullString
	)
	if err := row.Scan(&rec.Identity, &tokens, &handoffCode, &handoffExpires, &migratedFrom, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tokens, &rec.Tokens); err != nil {
		return nil, fmt.Errorf("failed to decode tokens: %w", err)
	}
	rec.HandoffCode = handoffCode.String
	if handoffExpires.Valid {
		t := handoffExpires.Time
		rec.HandoffExpires = &t
	}
	rec.MigratedFrom = migratedFrom.String
	return &rec, nil
}

// Load は識別子のレコードを取得する。存在しない場合はnilを返す。
func (r *PostgresTokenRepo) Load(ctx context.Context, identity string) (*model.TokenRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec, err := scanTokenRecord(r.db.QueryRowContext(ctx,
		`SELECT `+selectTokenColumns+` FROM delegated_tokens WHERE identity = $1`,
		identity,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delegated tokens: %w", err)
	}
	return rec, nil
}

// Save はレコードを挿入または更新する。
func (r *PostgresTokenRepo) Save(ctx context.Context, rec *model.TokenRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tokens, err := json.Marshal(rec.Tokens)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO delegated_tokens (identity, tokens, handoff_code, handoff_expires, migrated_from, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (identity)
		 DO UPDATE SET
			tokens = EXCLUDED.tokens,
			handoff_code = EXCLUDED.handoff_code,
			handoff_expires = EXCLUDED.handoff_expires,
			migrated_from = COALESCE(EXCLUDED.migrated_from, delegated_tokens.migrated_from),
			updated_at = EXCLUDED.updated_at`,
		rec.Identity, tokens, nullableString(rec.HandoffCode), nullableTime(rec.HandoffExpires),
		nullableString(rec.MigratedFrom), rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save delegated tokens: %w", err)
	}
	return nil
}

// SaveIfUnchanged は行の updated_at が loadedAt のままの場合のみ更新する。
// 行がない場合は挿入しない。
func (r *PostgresTokenRepo) SaveIfUnchanged(ctx context.Context, rec *model.TokenRecord, loadedAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tokens, err := json.Marshal(rec.Tokens)
	if err != nil {
		return false, fmt.Errorf("failed to encode tokens: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE delegated_tokens
		 SET tokens = $2, handoff_code = $3, handoff_expires = $4,
			migrated_from = COALESCE($5, migrated_from), updated_at = $6
		 WHERE identity = $1 AND updated_at = $7`,
		rec.Identity, tokens, nullableString(rec.HandoffCode), nullableTime(rec.HandoffExpires),
		nullableString(rec.MigratedFrom), rec.UpdatedAt, loadedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update delegated tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// SaveIfAbsent は識別子のレコードが存在しない場合のみ挿入する。
// 既存の行は上書きしない。
func (r *PostgresTokenRepo) SaveIfAbsent(ctx context.Context, rec *model.TokenRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tokens, err := json.Marshal(rec.Tokens)
	if err != nil {
		return false, fmt.Errorf("failed to encode tokens: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO delegated_tokens (identity, tokens, handoff_code, handoff_expires, migrated_from, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (identity) DO NOTHING`,
		rec.Identity, tokens, nullableString(rec.HandoffCode), nullableTime(rec.HandoffExpires),
		nullableString(rec.MigratedFrom), rec.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert delegated tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n == 1, nil
}

// MarkMigrated は何もしない。データベース層より上位の層はない。
func (r *PostgresTokenRepo) MarkMigrated(context.Context, string, time.Time) error {
	return nil
}

// ConsumeHandoff は一致する有効なハンドオフコードを1文のUPDATEで消去し、
// 消去した行を返す。同じコードに対する並行実行は高々1件だけが行を得る。
func (r *PostgresTokenRepo) ConsumeHandoff(ctx context.Context, digest string, now time.Time) (*model.TokenRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec, err := scanTokenRecord(r.db.QueryRowContext(ctx,
		`UPDATE delegated_tokens
		 SET handoff_code = NULL, handoff_expires = NULL
		 WHERE handoff_code = $1 AND handoff_expires > $2
		 RETURNING `+selectTokenColumns,
		digest, now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume handoff code: %w", err)
	}
	return rec, nil
}

// PurgeExpiredHandoffs は期限切れのハンドオフコードを消去し、消去した件数を返す。
func (r *PostgresTokenRepo) PurgeExpiredHandoffs(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx,
		`UPDATE delegated_tokens
		 SET handoff_code = NULL, handoff_expires = NULL
		 WHERE handoff_code IS NOT NULL AND (handoff_expires IS NULL OR handoff_expires <= $1)`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired handoff codes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// Delete は識別子のレコードを削除する。
func (r *PostgresTokenRepo) Delete(ctx context.Context, identity string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM delegated_tokens WHERE identity = $1`,
		identity,
	); err != nil {
		return fmt.Errorf("failed to delete delegated tokens: %w", err)
	}
	return nil
}

// LoadLatest は最も新しく更新されたレコードを返す。
func (r *PostgresTokenRepo) LoadLatest(ctx context.Context) (*model.TokenRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec, err := scanTokenRecord(r.db.QueryRowContext(ctx,
		`SELECT `+selectTokenColumns+` FROM delegated_tokens ORDER BY updated_at DESC LIMIT 1`,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest delegated tokens: %w", err)
	}
	return rec, nil
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

func nullableTime(val *time.Time) sql.NullTime {
	if val == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *val, Valid: true}
}

// compile-time interface check
var (
	_ tokenstore.Tier         = (*PostgresTokenRepo)(nil)
	_ tokenstore.LatestLoader = (*PostgresTokenRepo)(nil)
)
