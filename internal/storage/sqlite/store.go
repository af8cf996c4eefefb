// Package sqlite provides SQLite-backed storage for users, rooms and the
// message log.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/christopherjohns/roomcast/internal/message"
	"github.com/christopherjohns/roomcast/internal/room"
	"github.com/christopherjohns/roomcast/internal/storage/sqlite/migrations"
	"github.com/christopherjohns/roomcast/internal/user"
)

// Store persists roomcast state in a single SQLite database.
type Store struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Str("module", "storage.sqlite").Str("path", path).Msg("sqlite store opened")
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores ev and returns the persisted record.
func (s *Store) Append(ctx context.Context, ev message.Event) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	msg := message.FromEvent(uuid.NewString(), ev)

	var author sql.NullString
	if msg.AuthorID != nil {
		author = sql.NullString{String: *msg.AuthorID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, author_id, author_name, content, kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, author, msg.AuthorName, msg.Content, string(msg.Kind), toMillis(msg.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	// Round to the stored precision so the live copy matches history.
	msg.CreatedAt = fromMillis(toMillis(msg.CreatedAt))
	return msg, nil
}

// Recent returns the last limit records for a room, oldest first.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, author_id, author_name, content, kind, created_at
		 FROM messages
		 WHERE room_id = ?
		 ORDER BY seq DESC
		 LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var result []*message.Message
	for rows.Next() {
		var (
			msg       message.Message
			author    sql.NullString
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &author, &msg.AuthorName, &msg.Content, &kind, &createdAt); err != nil {
			return nil, fmt.Errorf("recent messages: %w", err)
		}
		if author.Valid {
			id := author.String
			msg.AuthorID = &id
		}
		msg.Kind = message.Kind(kind)
		msg.CreatedAt = fromMillis(createdAt)
		result = append(result, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// GetOrCreate returns the room with id, inserting it if absent.
func (s *Store) GetOrCreate(ctx context.Context, id, defaultName string) (*room.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !room.ValidID(id) {
		return nil, room.ErrInvalidID
	}
	if defaultName == "" {
		defaultName = id
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, theme, created_at) VALUES (?, ?, '', ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, defaultName, toMillis(time.Now()),
	); err != nil {
		return nil, fmt.Errorf("get or create room: %w", err)
	}
	return s.Get(ctx, id)
}

// Create inserts a room with a generated id.
func (s *Store) Create(ctx context.Context, name, theme string) (*room.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := room.NormalizeName(name)
	if err != nil {
		return nil, err
	}
	r := &room.Room{
		ID:        room.NewID(),
		Name:      name,
		Theme:     strings.TrimSpace(theme),
		CreatedAt: fromMillis(toMillis(time.Now())),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, theme, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Name, r.Theme, toMillis(r.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return r, nil
}

// Get returns one room.
func (s *Store) Get(ctx context.Context, id string) (*room.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		r         room.Room
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, theme, created_at FROM rooms WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &r.Theme, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, room.ErrNotFound
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

// List returns all rooms, oldest first.
func (s *Store) List(ctx context.Context) ([]*room.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, theme, created_at FROM rooms ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	result := []*room.Room{}
	for rows.Next() {
		var (
			r         room.Room
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Theme, &createdAt); err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		r.CreatedAt = fromMillis(createdAt)
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return result, nil
}

func (s *Store) createUser(ctx context.Context, u *user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, toMillis(u.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(strings.ToLower(err.Error()), "email") {
				return user.ErrEmailTaken
			}
			return user.ErrUsernameTaken
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) userByUsername(ctx context.Context, username string) (*user.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		u         user.User
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, user.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

// Users returns the store's user.Repository. It is a separate value because
// the room directory already owns the Create method.
func (s *Store) Users() user.Repository {
	return users{s}
}

type users struct{ s *Store }

func (u users) Create(ctx context.Context, usr *user.User) error {
	return u.s.createUser(ctx, usr)
}

func (u users) ByUsername(ctx context.Context, username string) (*user.User, error) {
	return u.s.userByUsername(ctx, username)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var (
	_ message.Log     = (*Store)(nil)
	_ room.Directory  = (*Store)(nil)
	_ user.Repository = users{}
)
