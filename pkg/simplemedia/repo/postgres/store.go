package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Store implements simplemedia.Store using PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool. When schema is set every session uses it as its
// search_path.
func Open(ctx context.Context, databaseURL, schema string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema migrations through a database/sql
// bridge over the pool.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// Close closes the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Begin opens a transaction bound to ctx
func (s *Store) Begin(ctx context.Context) (simplemedia.Tx, error) {
	t, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, handlePostgresError("begin transaction", err)
	}
	return &tx{tx: t}, nil
}

func (s *Store) GetMedia(ctx context.Context, id uuid.UUID) (*simplemedia.Media, error) {
	return getMedia(ctx, s.pool, "get media", id)
}

func (s *Store) MediaKeyExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM media WHERE storage_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, handlePostgresError("media key exists", err)
	}
	return exists, nil
}

func (s *Store) ChapterAccount(ctx context.Context, chapterID uuid.UUID) (uuid.UUID, error) {
	var accountID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT c.account_id
		FROM chapters ch JOIN comics c ON c.id = ch.comic_id
		WHERE ch.id = $1`, chapterID).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, simplemedia.NotFound("chapter account", simplemedia.ErrOwnerNotFound)
	}
	if err != nil {
		return uuid.Nil, handlePostgresError("chapter account", err)
	}
	return accountID, nil
}

func (s *Store) MediaAccount(ctx context.Context, mediaID uuid.UUID) (uuid.UUID, error) {
	var accountID pgtype.UUID
	err := s.pool.QueryRow(ctx, `
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
		FROM media m WHERE m.id = $1`, mediaID).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !accountID.Valid) {
		return uuid.Nil, simplemedia.NotFound("media account", simplemedia.ErrMediaNotFound)
	}
	if err != nil {
		return uuid.Nil, handlePostgresError("media account", err)
	}
	return uuid.UUID(accountID.Bytes), nil
}

// Owner management

func (s *Store) CreateAccount(ctx context.Context, account *simplemedia.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, username, avatar_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		account.ID, account.Username, account.AvatarKey, account.CreatedAt, account.UpdatedAt)
	return handlePostgresError("create account", err)
}

func (s *Store) CreateComic(ctx context.Context, comic *simplemedia.Comic) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO comics (id, account_id, title, created_at) VALUES ($1, $2, $3, $4)`,
		comic.ID, comic.AccountID, comic.Title, comic.CreatedAt)
	return handlePostgresError("create comic", err)
}

func (s *Store) CreateChapter(ctx context.Context, chapter *simplemedia.Chapter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chapters (id, comic_id, number, title, created_at) VALUES ($1, $2, $3, $4, $5)`,
		chapter.ID, chapter.ComicID, chapter.Number, chapter.Title, chapter.CreatedAt)
	return handlePostgresError("create chapter", err)
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) CreatePage(ctx context.Context, page *simplemedia.Page) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO pages (id, chapter_id, number, created_at) VALUES ($1, $2, $3, $4)`,
		page.ID, page.ChapterID, page.Number, page.CreatedAt)
	return handlePostgresError("create page", err)
}

func (t *tx) CreatePost(ctx context.Context, post *simplemedia.Post) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO posts (id, account_id, title, description, created_at) VALUES ($1, $2, $3, $4, $5)`,
		post.ID, post.AccountID, post.Title, post.Description, post.CreatedAt)
	return handlePostgresError("create post", err)
}

func (t *tx) SetAccountAvatar(ctx context.Context, accountID uuid.UUID, storageKey string, updatedAt time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET avatar_key = $1, updated_at = $2 WHERE id = $3`,
		storageKey, updatedAt, accountID)
	if err != nil {
		return handlePostgresError("set account avatar", err)
	}
	if tag.RowsAffected() == 0 {
		return simplemedia.NotFound("set account avatar", simplemedia.ErrOwnerNotFound)
	}
	return nil
}

func (t *tx) CreateMedia(ctx context.Context, m *simplemedia.Media) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO media (
			id, owner_type, owner_id, storage_key, content_type,
			size_bytes, checksum, file_name, display_order, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.OwnerType, m.OwnerID, m.StorageKey, m.ContentType,
		m.SizeBytes, m.Checksum, m.FileName, m.DisplayOrder, m.CreatedAt)
	return handlePostgresError("create media", err)
}

func (t *tx) DeleteMedia(ctx context.Context, id uuid.UUID) (*simplemedia.Media, error) {
	var m simplemedia.Media
	err := scanMedia(t.tx.QueryRow(ctx,
		`DELETE FROM media WHERE id = $1 RETURNING `+mediaColumns, id), &m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, simplemedia.NotFound("delete media", simplemedia.ErrMediaNotFound)
	}
	if err != nil {
		return nil, handlePostgresError("delete media", err)
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE accounts SET avatar_key = NULL WHERE avatar_key = $1`, m.StorageKey); err != nil {
		return nil, handlePostgresError("clear account avatar", err)
	}
	return &m, nil
}

func (t *tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

const mediaColumns = `id, owner_type, owner_id, storage_key, content_type,
		size_bytes, checksum, file_name, display_order, created_at`

func scanMedia(row pgx.Row, m *simplemedia.Media) error {
	return row.Scan(
		&m.ID, &m.OwnerType, &m.OwnerID, &m.StorageKey, &m.ContentType,
		&m.SizeBytes, &m.Checksum, &m.FileName, &m.DisplayOrder, &m.CreatedAt)
}

func getMedia(ctx context.Context, db DBTX, op string, id uuid.UUID) (*simplemedia.Media, error) {
	var m simplemedia.Media
	err := scanMedia(db.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = $1`, id), &m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, simplemedia.NotFound(op, simplemedia.ErrMediaNotFound)
	}
	if err != nil {
		return nil, handlePostgresError(op, err)
	}
	return &m, nil
}

// handlePostgresError maps constraint violations onto pipeline error kinds
func handlePostgresError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return simplemedia.Conflict(operation, err)
		case "23503": // foreign_key_violation
			return simplemedia.NotFound(operation, fmt.Errorf("%w: %s", simplemedia.ErrOwnerNotFound, pgErr.ConstraintName))
		case "22P02": // invalid_text_representation
			return simplemedia.BadRequestf(operation, "invalid value: %s", pgErr.Message)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required: %w", err)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s): %w", operation, pgErr.Message, pgErr.Code, err)
		}
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}
