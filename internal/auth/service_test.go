package auth

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"thrive/internal/config"
	"thrive/internal/redis"
	"thrive/internal/storage"
)

const testSecret = "test-secret-0123456789"

type dbUsers struct{ db *storage.DB }

func (u dbUsers) Exists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := u.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`, id).Scan(&exists)
	return exists, err
}

func newTestService(t *testing.T, db *storage.DB, cache *redis.Client) *Service {
	t.Helper()
	return NewService(db, cache, dbUsers{db}, config.AuthConfig{JWTSecret: testSecret, TokenTTL: 1}, nil)
}

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	id := insertUser(t, db, "one@example.com")

	svc := newTestService(t, db, nil)
	ctx := context.Background()
	token, err := svc.IssueToken(ctx, id)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}
	userID, err := svc.ValidateToken(ctx, token)
	if err != nil || userID != id {
		t.Fatalf("ValidateToken failed: id=%d err=%v", userID, err)
	}
	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke")
	}
	// revoking twice is harmless
	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("second RevokeToken error: %v", err)
	}

	token2, err := svc.IssueToken(ctx, id)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token2); err != nil {
		t.Fatalf("fresh token should stay valid after another is revoked: %v", err)
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	id := insertUser(t, db, "two@example.com")

	svc := newTestService(t, db, nil)
	svc.now = func() time.Time { return time.Now().UTC().Add(-2 * time.Hour) }
	token, err := svc.IssueToken(context.Background(), id)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	svc.now = func() time.Time { return time.Now().UTC() }
	if _, err := svc.ValidateToken(context.Background(), token); err == nil {
		t.Fatalf("expected expiration error")
	}
}

func TestAuthRejectsForeignSignature(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	id := insertUser(t, db, "three@example.com")

	other := NewService(db, nil, dbUsers{db}, config.AuthConfig{JWTSecret: "another-secret-abcdefgh"}, nil)
	token, err := other.IssueToken(context.Background(), id)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	svc := newTestService(t, db, nil)
	if _, err := svc.ValidateToken(context.Background(), token); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
	if _, err := svc.ValidateToken(context.Background(), "not-a-jwt"); err == nil {
		t.Fatalf("expected garbage token to fail")
	}
}

func TestAuthRejectsDeletedUser(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	id := insertUser(t, db, "gone@example.com")

	svc := newTestService(t, db, nil)
	token, err := svc.IssueToken(context.Background(), id)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM users WHERE id = ?`, id); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); err == nil {
		t.Fatalf("expected token of deleted user to fail")
	}
}

func TestPurgeExpiredRevocations(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := newTestService(t, db, nil)
	now := time.Now().UTC()
	if _, err := db.Exec(`INSERT INTO revoked_tokens (jti, user_id, expires_at, created_at) VALUES (?, ?, ?, ?), (?, ?, ?, ?)`,
		"old", 1, now.Add(-time.Hour), now, "live", 1, now.Add(time.Hour), now); err != nil {
		t.Fatalf("seed revoked tokens: %v", err)
	}
	n, err := svc.PurgeExpiredRevocations(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
	var left string
	if err := db.QueryRow(`SELECT jti FROM revoked_tokens`).Scan(&left); err != nil {
		t.Fatalf("query remaining: %v", err)
	}
	if left != "live" {
		t.Fatalf("unexpected remaining jti %q", left)
	}
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertUser(t *testing.T, db *storage.DB, email string) int64 {
	t.Helper()
	now := time.Now().UTC()
	id, err := db.InsertID(context.Background(), db,
		`INSERT INTO users (email, password_hash, name, created_at, updated_at) VALUES (?, '', ?, ?, ?)`,
		email, "user", now, now)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

func TestAuthRevocationUsesRedis(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	id := insertUser(t, db, "cache@example.com")

	cacheClient, direct, cleanup := newRedisCacheClient(t)
	defer cleanup()

	svc := newTestService(t, db, cacheClient)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, id)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := svc.parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}

	key := redisRevokedPrefix + claims.ID
	ttl, err := direct.TTL(ctx, key).Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected revocation ttl %v", ttl)
	}

	// the cache alone must keep the token blocked
	_, _ = db.Exec(`DELETE FROM revoked_tokens`)
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected redis revocation to reject token")
	}
}

func newRedisCacheClient(t *testing.T) (*redis.Client, *goredis.Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if db, err = strconv.Atoi(v); err != nil {
			t.Fatalf("parse TEST_REDIS_DB: %v", err)
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Enabled: true,
			Host:    host,
			Port:    port,
			DB:      db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	direct := goredis.NewClient(&goredis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := direct.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	cleanup := func() {
		direct.Close()
		client.Close()
	}
	return client, direct, cleanup
}
