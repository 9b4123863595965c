package database

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB はデータベース接続プールを保持します
type DB struct {
	Pool *pgxpool.Pool
}

// ConnectionParams はデータベース接続パラメータ
type ConnectionParams struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ConnString は pgx の接続文字列を返します
func (p ConnectionParams) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.DBName,
		RawQuery: url.Values{"sslmode": {p.SSLMode}}.Encode(),
	}
	return u.String()
}

// New は新しいデータベース接続を作成します
func New(ctx context.Context, params ConnectionParams) (*DB, error) {
	pool, err := pgxpool.New(ctx, params.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// 接続テスト
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close はデータベース接続を閉じます
func (db *DB) Close() {
	db.Pool.Close()
}
