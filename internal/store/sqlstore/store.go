package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"           // Postgres driver
	"github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pliu/classchat/internal/models"
	"github.com/pliu/classchat/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
	nowFn      func() time.Time

	// offline drains for one receiver never interleave.
	drainMu sync.Mutex
	drains  map[string]*sync.Mutex
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", store.ErrUnavailable, driverName, err)
	}
	if driverName == "sqlite3" {
		// One connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", store.ErrUnavailable, driverName, err)
	}

	s := &SQLStore{
		db:         db,
		driverName: driverName,
		nowFn:      func() time.Time { return time.Now().UTC() },
		drains:     make(map[string]*sync.Mutex),
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		creator TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_name TEXT NOT NULL,
		username TEXT NOT NULL,
		joined_at DATETIME NOT NULL,
		PRIMARY KEY (group_name, username)
	);

	CREATE TABLE IF NOT EXISTS offline_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		receiver TEXT NOT NULL,
		sender TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		group_name TEXT NOT NULL DEFAULT '',
		delivered BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, receiver, timestamp);
	CREATE INDEX IF NOT EXISTS idx_offline_receiver ON offline_messages(receiver, delivered, id);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
	}

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("%w: create tables: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) CreateUserIfAbsent(username string) error {
	query := s.rebind("INSERT INTO users (username, created_at) VALUES (?, ?) ON CONFLICT (username) DO NOTHING")
	if _, err := s.db.Exec(query, username, s.nowFn()); err != nil {
		return unavailable("create user", err)
	}
	return nil
}

func (s *SQLStore) UserExists(username string) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)")
	if err := s.db.QueryRow(query, username).Scan(&exists); err != nil {
		return false, unavailable("user exists", err)
	}
	return exists, nil
}

func (s *SQLStore) ListUsers() ([]models.User, error) {
	rows, err := s.db.Query("SELECT username, created_at FROM users ORDER BY username")
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.Username, &u.CreatedAt); err != nil {
			return nil, unavailable("scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list users", err)
	}
	return users, nil
}

// isUniqueViolation recognizes duplicate-key errors from either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", store.ErrUnavailable, op, err)
}
