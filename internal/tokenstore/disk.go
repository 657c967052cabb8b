package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/fakturidias/internal/model"
)

const tokenFileName = "token.json"

// DiskTier は識別子ごとのディレクトリに1つのJSONファイルとして保存する層。
// 単一テナント時代のデプロイメントが残したファイルもこの層から読み込む。
// 読み込みと書き換えの不可分性はプロセス内でのみ保証されるため、
// ディレクトリはAPIサーバーの1プロセスだけが書き換える。
type DiskTier struct {
	dir string
	mu  sync.Mutex
}

var (
	_ Tier         = (*DiskTier)(nil)
	_ LatestLoader = (*DiskTier)(nil)
)

// NewDiskTier はDiskTierを生成する。ディレクトリは最初の書き込み時に作成する。
func NewDiskTier(dir string) *DiskTier {
	return &DiskTier{dir: dir}
}

func (d *DiskTier) Name() string { return "disk" }
func (d *DiskTier) Level() Level { return LevelDisk }

// SanitizeIdentity は識別子をディレクトリ名として安全な文字列に変換する。
// [a-z0-9.-] 以外のバイトは "_xx"（16進）に、"_" は "__" に置き換えるため、
// 異なる識別子が同じ名前になることはない。先頭の "." も置き換える。
func SanitizeIdentity(identity string) string {
	var b strings.Builder
	for i := 0; i < len(identity); i++ {
		c := identity[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		case c == '.' && i > 0:
			b.WriteByte(c)
		case c == '_':
			b.WriteString("__")
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}

func (d *DiskTier) path(identity string) (string, error) {
	if identity == "" {
		return "", errors.New("identity is empty")
	}
	return filepath.Join(d.dir, SanitizeIdentity(identity), tokenFileName), nil
}

func (d *DiskTier) Load(_ context.Context, identity string) (*model.TokenRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load(identity)
}

func (d *DiskTier) load(identity string) (*model.TokenRecord, error) {
	p, err := d.path(identity)
	if err != nil {
		return nil, err
	}
	return readRecord(p)
}

func readRecord(p string) (*model.TokenRecord, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var rec model.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode token file %s: %w", p, err)
	}
	return &rec, nil
}

func (d *DiskTier) Save(_ context.Context, rec *model.TokenRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.save(rec)
}

// save は一時ファイルに書き込んでから rename する。
func (d *DiskTier) save(rec *model.TokenRecord) error {
	p, err := d.path(rec.Identity)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "token-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod token file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

func (d *DiskTier) SaveIfAbsent(_ context.Context, rec *model.TokenRecord) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, err := d.load(rec.Identity)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if err := d.save(rec); err != nil {
		return false, err
	}
	return true, nil
}

func (d *DiskTier) SaveIfUnchanged(_ context.Context, rec *model.TokenRecord, loadedAt time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, err := d.load(rec.Identity)
	if err != nil {
		return false, err
	}
	if existing == nil || !existing.UpdatedAt.Equal(loadedAt) {
		return false, nil
	}
	if err := d.save(rec); err != nil {
		return false, err
	}
	return true, nil
}

func (d *DiskTier) MarkMigrated(_ context.Context, identity string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, err := d.load(identity)
	if err != nil || rec == nil {
		return err
	}
	rec.MigratedAt = &at
	return d.save(rec)
}

func (d *DiskTier) ConsumeHandoff(_ context.Context, digest string, now time.Time) (*model.TokenRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var found *model.TokenRecord
	err := d.walk(func(rec *model.TokenRecord) bool {
		if rec.HandoffValid(digest, now) {
			found = rec
			return false
		}
		return true
	})
	if err != nil || found == nil {
		return nil, err
	}

	found.ClearHandoff()
	if err := d.save(found); err != nil {
		return nil, err
	}
	return found, nil
}

func (d *DiskTier) Delete(_ context.Context, identity string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.path(identity)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Dir(p)); err != nil {
		return fmt.Errorf("failed to delete token directory: %w", err)
	}
	return nil
}

// LoadLatest は最も新しく更新されたレコードを返す。
func (d *DiskTier) LoadLatest(_ context.Context) (*model.TokenRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var latest *model.TokenRecord
	err := d.walk(func(rec *model.TokenRecord) bool {
		if latest == nil || rec.UpdatedAt.After(latest.UpdatedAt) {
			latest = rec
		}
		return true
	})
	return latest, err
}

// walk は全識別子のレコードを読み込み fn に渡す。fn が false を返すと中断する。
// 読み込めないエントリは警告を記録して読み飛ばす。
func (d *DiskTier) walk(fn func(rec *model.TokenRecord) bool) error {
	entries, err := os.ReadDir(d.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list token directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := readRecord(filepath.Join(d.dir, e.Name(), tokenFileName))
		if err != nil {
			// 1件の破損ファイルで他の識別子の検索を止めない
			slog.Warn("skipping unreadable token file",
				slog.String("entry", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if rec == nil {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}
