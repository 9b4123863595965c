package database

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/drshumard/Larynx/internal/infra/postgres/sqlc"
)

// Manager はトランザクションスコープのアドバイザリロックを取得します
// ロックはトランザクション終了時に自動的に解放されます。
type Manager struct {
	tx      pgx.Tx
	queries *sqlc.Queries
}

// NewManager はトランザクションからロックマネージャーを生成します
func NewManager(tx pgx.Tx) *Manager {
	return &Manager{tx: tx, queries: sqlc.New(tx)}
}

// GenerateLockID は文字列からロックIDを生成します
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	// ハッシュの最初の8バイトをint64として使用
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}

	return id
}

// Acquire はロックを取得できるまで待ちます (pg_advisory_xact_lock)
func (m *Manager) Acquire(ctx context.Context, lockID int64) error {
	if _, err := m.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return nil
}

// TryAcquire は待たずにロックを試み、取得できたかどうかを返します (pg_try_advisory_xact_lock)
func (m *Manager) TryAcquire(ctx context.Context, lockID int64) (bool, error) {
	ok, err := m.queries.TryAdvisoryXactLock(ctx, lockID)
	if err != nil {
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	return ok, nil
}
