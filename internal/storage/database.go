package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"thrive/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v4/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const defaultMySQLParams = "parseTime=true&loc=UTC&charset=utf8mb4"

// Open connects to the database configured for dbType.
func Open(dbType string, cfg *config.Config) (*DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		dialect = SQLite
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// one connection keeps :memory: databases shared and avoids SQLITE_BUSY on writes
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dialect = MySQL
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if params == "" {
				params = defaultMySQLParams
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	case "postgres", "postgresql":
		dialect = Postgres
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
			)
			if dbCfg.Params != "" {
				dsn += "?" + dbCfg.Params
			}
		}
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *DB) error {
	var stmts []string
	switch db.Dialect {
	case SQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				email TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				name TEXT NOT NULL,
				alias TEXT,
				bio TEXT,
				is_anonymous BOOLEAN NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS profiles (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL UNIQUE,
				illness_tags TEXT NOT NULL DEFAULT '[]',
				tone_preference TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				sender_id INTEGER NOT NULL,
				recipient_id INTEGER NOT NULL,
				content TEXT NOT NULL,
				is_read BOOLEAN NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				CHECK (sender_id <> recipient_id),
				FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE CASCADE,
				FOREIGN KEY(recipient_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, recipient_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(recipient_id, is_read)`,
			`CREATE TABLE IF NOT EXISTS revoked_tokens (
				jti TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL,
				expires_at DATETIME NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expiry ON revoked_tokens(expires_at)`,
		}
	case MySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				email VARCHAR(255) NOT NULL UNIQUE,
				password_hash VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				alias VARCHAR(255),
				bio TEXT,
				is_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS profiles (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				illness_tags TEXT NOT NULL,
				tone_preference VARCHAR(100),
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_profiles_user (user_id),
				CONSTRAINT fk_profiles_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				sender_id BIGINT UNSIGNED NOT NULL,
				recipient_id BIGINT UNSIGNED NOT NULL,
				content MEDIUMTEXT NOT NULL,
				is_read BOOLEAN NOT NULL DEFAULT FALSE,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_pair (sender_id, recipient_id, created_at),
				INDEX idx_messages_unread (recipient_id, is_read),
				CONSTRAINT fk_messages_sender FOREIGN KEY (sender_id) REFERENCES users(id) ON DELETE CASCADE,
				CONSTRAINT fk_messages_recipient FOREIGN KEY (recipient_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS revoked_tokens (
				jti VARCHAR(64) NOT NULL PRIMARY KEY,
				user_id BIGINT UNSIGNED NOT NULL,
				expires_at DATETIME(6) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				INDEX idx_revoked_tokens_expiry (expires_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case Postgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGSERIAL PRIMARY KEY,
				email VARCHAR(255) NOT NULL UNIQUE,
				password_hash VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				alias VARCHAR(255),
				bio TEXT,
				is_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS profiles (
				id BIGSERIAL PRIMARY KEY,
				user_id BIGINT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
				illness_tags TEXT NOT NULL DEFAULT '[]',
				tone_preference VARCHAR(100),
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGSERIAL PRIMARY KEY,
				sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				recipient_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				content TEXT NOT NULL,
				is_read BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL,
				CHECK (sender_id <> recipient_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, recipient_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(recipient_id, is_read)`,
			`CREATE TABLE IF NOT EXISTS revoked_tokens (
				jti VARCHAR(64) PRIMARY KEY,
				user_id BIGINT NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expiry ON revoked_tokens(expires_at)`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", db.Dialect)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", db.Dialect, err)
		}
	}
	return nil
}
