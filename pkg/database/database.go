package database

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates no user has the requested id.
	ErrUserNotFound = errors.New("user not found")
	// ErrSelfMessage indicates a message whose sender and receiver are the same user.
	ErrSelfMessage = errors.New("sender and receiver must differ")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// pragmas are applied to every pooled connection through the DSN
var pragmas = []string{
	// WAL allows multiple readers and one writer at the same time
	"journal_mode(WAL)",
	// Wait and retry instead of immediately failing with SQLITE_BUSY
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

// dsn appends the connection pragmas to a database path
func dsn(path string) string {
	params := url.Values{}
	for _, p := range pragmas {
		params.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

// Open opens a connection to the SQLite database at the given path
// and brings the schema up to date
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Create dedicated write connection (single connection, no pooling)
	writeConn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	// Migrations run on the write connection so the backup and the schema
	// change see the same database state
	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// User represents a chat participant
type User struct {
	ID          int64
	DisplayName string
	IsOnline    bool
	CreatedAt   int64 // Unix timestamp in milliseconds
	LastSeen    int64 // Unix timestamp in milliseconds
}

// Message represents a direct message between two users
type Message struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Body       string
	CreatedAt  int64 // Unix timestamp in milliseconds
	IsRead     bool
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
