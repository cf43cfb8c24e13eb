package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/tendant/simple-media/pkg/simplemedia"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DBTX is satisfied by both *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Store implements simplemedia.Store on SQLite
type Store struct {
	db *sql.DB
}

// Option adjusts how Open connects
type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout makes a writer wait up to d for the database write lock
// instead of failing with SQLITE_BUSY. Publish holds its transaction across
// the object PUT, so d must exceed the PUT deadline for uploads to queue.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.busyTimeout = d
	}
}

// Open opens and pings a SQLite database. Foreign keys must be enabled in
// the DSN, for example "file:media.db?_pragma=foreign_keys(1)".
//
// Transactions begin IMMEDIATE so concurrent writers wait on the busy
// timeout at Begin rather than failing when they upgrade a read lock.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite", connString(dsn, o))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return New(db), nil
}

// New wraps an open database
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema migrations
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin opens a transaction bound to ctx
func (s *Store) Begin(ctx context.Context) (simplemedia.Tx, error) {
	t, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &tx{tx: t}, nil
}

func (s *Store) GetMedia(ctx context.Context, id uuid.UUID) (*simplemedia.Media, error) {
	return getMedia(ctx, s.db, "get media", id)
}

func (s *Store) MediaKeyExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM media WHERE storage_key = ?)`, key).Scan(&exists)
	if err != nil {
		return false, translate("media key exists", err)
	}
	return exists, nil
}

func (s *Store) ChapterAccount(ctx context.Context, chapterID uuid.UUID) (uuid.UUID, error) {
	var accountID uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT c.account_id
		FROM chapters ch JOIN comics c ON c.id = ch.comic_id
		WHERE ch.id = ?`, chapterID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, simplemedia.NotFound("chapter account", simplemedia.ErrOwnerNotFound)
	}
	if err != nil {
		return uuid.Nil, translate("chapter account", err)
	}
	return accountID, nil
}

func (s *Store) MediaAccount(ctx context.Context, mediaID uuid.UUID) (uuid.UUID, error) {
	var accountID uuid.NullUUID
	err := s.db.QueryRowContext(ctx, `
		SELECT CASE m.owner_type
			WHEN 'account' THEN m.owner_id
			WHEN 'post' THEN (SELECT p.account_id FROM posts p WHERE p.id = m.owner_id)
			WHEN 'page' THEN (
				SELECT c.account_id
				FROM pages pg
				JOIN chapters ch ON ch.id = pg.chapter_id
				JOIN comics c ON c.id = ch.comic_id
				WHERE pg.id = m.owner_id)
		END
		FROM media m WHERE m.id = ?`, mediaID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !accountID.Valid) {
		return uuid.Nil, simplemedia.NotFound("media account", simplemedia.ErrMediaNotFound)
	}
	if err != nil {
		return uuid.Nil, translate("media account", err)
	}
	return accountID.UUID, nil
}

// Owner records are managed outside the upload pipeline. These helpers
// create and read them for tooling and tests.

func (s *Store) CreateAccount(ctx context.Context, account *simplemedia.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, avatar_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		account.ID, account.Username, account.AvatarKey, account.CreatedAt, account.UpdatedAt)
	return translate("create account", err)
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*simplemedia.Account, error) {
	var account simplemedia.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, avatar_key, created_at, updated_at
		FROM accounts WHERE id = ?`, id).Scan(
		&account.ID, &account.Username, &account.AvatarKey, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, simplemedia.NotFound("get account", simplemedia.ErrOwnerNotFound)
	}
	if err != nil {
		return nil, translate("get account", err)
	}
	return &account, nil
}

func (s *Store) CreateComic(ctx context.Context, comic *simplemedia.Comic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comics (id, account_id, title, created_at) VALUES (?, ?, ?, ?)`,
		comic.ID, comic.AccountID, comic.Title, comic.CreatedAt)
	return translate("create comic", err)
}

func (s *Store) CreateChapter(ctx context.Context, chapter *simplemedia.Chapter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, comic_id, number, title, created_at) VALUES (?, ?, ?, ?, ?)`,
		chapter.ID, chapter.ComicID, chapter.Number, chapter.Title, chapter.CreatedAt)
	return translate("create chapter", err)
}

// CountPages returns the number of pages in a chapter
func (s *Store) CountPages(ctx context.Context, chapterID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages WHERE chapter_id = ?`, chapterID).Scan(&n)
	if err != nil {
		return 0, translate("count pages", err)
	}
	return n, nil
}

// ListMedia returns every media row of one owner ordered by display order
func (s *Store) ListMedia(ctx context.Context, ownerType string, ownerID uuid.UUID) ([]*simplemedia.Media, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mediaColumns+`
		FROM media WHERE owner_type = ? AND owner_id = ?
		ORDER BY display_order, created_at`, ownerType, ownerID)
	if err != nil {
		return nil, translate("list media", err)
	}
	defer rows.Close()

	var out []*simplemedia.Media
	for rows.Next() {
		var m simplemedia.Media
		if err := scanMedia(rows, &m); err != nil {
			return nil, translate("scan media", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("iterate media rows", err)
	}
	return out, nil
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) CreatePage(ctx context.Context, page *simplemedia.Page) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pages (id, chapter_id, number, created_at) VALUES (?, ?, ?, ?)`,
		page.ID, page.ChapterID, page.Number, page.CreatedAt)
	return translate("create page", err)
}

func (t *tx) CreatePost(ctx context.Context, post *simplemedia.Post) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO posts (id, account_id, title, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		post.ID, post.AccountID, post.Title, post.Description, post.CreatedAt)
	return translate("create post", err)
}

func (t *tx) SetAccountAvatar(ctx context.Context, accountID uuid.UUID, storageKey string, updatedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET avatar_key = ?, updated_at = ? WHERE id = ?`,
		storageKey, updatedAt, accountID)
	if err != nil {
		return translate("set account avatar", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate("set account avatar", err)
	}
	if n == 0 {
		return simplemedia.NotFound("set account avatar", simplemedia.ErrOwnerNotFound)
	}
	return nil
}

func (t *tx) CreateMedia(ctx context.Context, m *simplemedia.Media) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO media (
			id, owner_type, owner_id, storage_key, content_type,
			size_bytes, checksum, file_name, display_order, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OwnerType, m.OwnerID, m.StorageKey, m.ContentType,
		m.SizeBytes, m.Checksum, m.FileName, m.DisplayOrder, m.CreatedAt)
	return translate("create media", err)
}

func (t *tx) DeleteMedia(ctx context.Context, id uuid.UUID) (*simplemedia.Media, error) {
	m, err := getMedia(ctx, t.tx, "delete media", id)
	if err != nil {
		return nil, err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, id); err != nil {
		return nil, translate("delete media", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET avatar_key = NULL WHERE avatar_key = ?`, m.StorageKey); err != nil {
		return nil, translate("clear account avatar", err)
	}
	return m, nil
}

func (t *tx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *tx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

const mediaColumns = `id, owner_type, owner_id, storage_key, content_type,
		size_bytes, checksum, file_name, display_order, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMedia(row scanner, m *simplemedia.Media) error {
	return row.Scan(
		&m.ID, &m.OwnerType, &m.OwnerID, &m.StorageKey, &m.ContentType,
		&m.SizeBytes, &m.Checksum, &m.FileName, &m.DisplayOrder, &m.CreatedAt)
}

func getMedia(ctx context.Context, db DBTX, op string, id uuid.UUID) (*simplemedia.Media, error) {
	var m simplemedia.Media
	err := scanMedia(db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = ?`, id), &m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, simplemedia.NotFound(op, simplemedia.ErrMediaNotFound)
	}
	if err != nil {
		return nil, translate(op, err)
	}
	return &m, nil
}

// connString adds the busy timeout and the IMMEDIATE transaction lock to dsn.
// A busy_timeout pragma already in dsn is replaced when a timeout is set.
func connString(dsn string, o options) string {
	base, query, _ := strings.Cut(dsn, "?")

	var params []string
	hasTxLock := false
	for _, p := range strings.Split(query, "&") {
		switch {
		case p == "":
			continue
		case o.busyTimeout > 0 && isBusyTimeoutPragma(p):
			continue
		case strings.HasPrefix(p, "_txlock="):
			hasTxLock = true
		}
		params = append(params, p)
	}
	if o.busyTimeout > 0 {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", o.busyTimeout.Milliseconds()))
	}
	if !hasTxLock {
		params = append(params, "_txlock=immediate")
	}
	return base + "?" + strings.Join(params, "&")
}

func isBusyTimeoutPragma(param string) bool {
	value, ok := strings.CutPrefix(param, "_pragma=")
	if !ok {
		return false
	}
	if unescaped, err := url.QueryUnescape(value); err == nil {
		value = unescaped
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(value)), "busy_timeout")
}

// translate maps SQLite constraint failures onto pipeline error kinds
func translate(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *msqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		switch code {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return simplemedia.Conflict(op, err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return simplemedia.NotFound(op, fmt.Errorf("%w: %v", simplemedia.ErrOwnerNotFound, err))
		}
		if code&0xff == sqlite3.SQLITE_CONSTRAINT {
			msg := se.Error()
			switch {
			case strings.Contains(msg, "FOREIGN KEY"):
				return simplemedia.NotFound(op, fmt.Errorf("%w: %v", simplemedia.ErrOwnerNotFound, err))
			case strings.Contains(msg, "UNIQUE"):
				return simplemedia.Conflict(op, err)
			}
		}
	}

	return fmt.Errorf("database error in %s: %w", op, err)
}
