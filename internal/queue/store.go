package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrUnknownKind = errors.New("queue: unknown kind")

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store is the sqlite-backed durable queue.
// All mutations are idempotent so a crash between publish and mark is safe
// to replay.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("queue: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindPost:
		return "post_queue", nil
	case KindStory:
		return "story_queue", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Enqueue inserts items as PENDING. Items whose ID already exists are
// skipped, so re-fetching an overlapping feed page is harmless.
// Returns the number of newly inserted items.
func (s *Store) Enqueue(ctx context.Context, kind Kind, items []Item) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	now := time.Now()
	for _, it := range items {
		if strings.TrimSpace(it.ID) == "" {
			return inserted, errors.New("queue: item id is required")
		}
		tags, err := json.Marshal(it.Hashtags)
		if err != nil {
			return inserted, err
		}
		createdAt := it.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+`(id, campaign_id, image_url, caption, hashtags, latitude, longitude, tag_username, status, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO NOTHING`,
			it.ID, it.CampaignID, it.ImageURL, it.Caption, string(tags),
			nullFloat(it.Latitude), nullFloat(it.Longitude), it.TagUsername,
			string(StatusPending), createdAt.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return inserted, err
	}
	return inserted, nil
}

// DequeueNext returns the oldest PENDING item, or (nil, nil) when the queue
// is empty. The item stays PENDING until marked.
func (s *Store) DequeueNext(ctx context.Context, kind Kind) (*Item, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, campaign_id, image_url, caption, hashtags, latitude, longitude, tag_username, status, created_at, updated_at
		 FROM `+table+`
		 WHERE status = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		string(StatusPending),
	)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// MarkPosted marks a PENDING item POSTED. Already-POSTED items are a no-op.
func (s *Store) MarkPosted(ctx context.Context, kind Kind, id string) error {
	return s.setStatus(ctx, kind, id, StatusPosted, StatusPending)
}

// MarkReviewRequired parks a PENDING item for human attention.
func (s *Store) MarkReviewRequired(ctx context.Context, kind Kind, id string) error {
	return s.setStatus(ctx, kind, id, StatusReviewRequired, StatusPending)
}

// MarkIncludedInStory marks a POSTED photo as consumed by a story collage.
// Post queue only.
func (s *Store) MarkIncludedInStory(ctx context.Context, id string) error {
	return s.setStatus(ctx, KindPost, id, StatusIncludedInStory, StatusPosted)
}

func (s *Store) setStatus(ctx context.Context, kind Kind, id string, to, from Status) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UnixMilli(), id, string(from),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Idempotent: already in the target state is fine; anything else
		// (missing row, wrong state) is worth a log but not an error for
		// the dispatch loop.
		var cur string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("queue: item %s not found", id)
		}
		if err != nil {
			return err
		}
		if Status(cur) != to && !s.log.IsZero() {
			s.log.Warn("status transition skipped",
				logx.String("id", id), logx.String("from", cur), logx.String("to", string(to)))
		}
	}
	return nil
}

// ListPosted returns POSTED photos for a campaign, oldest first.
// These are collage candidates.
func (s *Store) ListPosted(ctx context.Context, campaignID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, image_url, caption, hashtags, latitude, longitude, tag_username, status, created_at, updated_at
		 FROM post_queue
		 WHERE campaign_id = ? AND status = ?
		 ORDER BY created_at ASC, id ASC`,
		campaignID, string(StatusPosted),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// CampaignsWithPosted lists campaigns that currently hold POSTED photos,
// i.e. candidates for story collages.
func (s *Store) CampaignsWithPosted(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT campaign_id FROM post_queue WHERE status = ? ORDER BY campaign_id`,
		string(StatusPosted),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PendingCount reports how many PENDING items a queue holds.
func (s *Store) PendingCount(ctx context.Context, kind Kind) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE status = ?`, string(StatusPending)).Scan(&n)
	return n, err
}

// Cursor returns the campaign's ingest cursor, or (zero, false) when the
// campaign has never been fetched.
func (s *Store) Cursor(ctx context.Context, campaignID string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_ms FROM campaign_cursors WHERE campaign_id = ?`, campaignID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// SetCursor advances the campaign cursor. It never moves backwards.
func (s *Store) SetCursor(ctx context.Context, campaignID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_cursors(campaign_id, cursor_ms) VALUES(?,?)
		 ON CONFLICT(campaign_id) DO UPDATE SET cursor_ms = MAX(cursor_ms, excluded.cursor_ms)`,
		campaignID, t.UnixMilli(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*Item, error) {
	var (
		it       Item
		tags     string
		status   string
		lat, lon sql.NullFloat64
		cms, ums int64
	)
	err := r.Scan(&it.ID, &it.CampaignID, &it.ImageURL, &it.Caption, &tags,
		&lat, &lon, &it.TagUsername, &status, &cms, &ums)
	if err != nil {
		return nil, err
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &it.Hashtags); err != nil {
			return nil, fmt.Errorf("queue: bad hashtags for %s: %w", it.ID, err)
		}
	}
	if lat.Valid {
		v := lat.Float64
		it.Latitude = &v
	}
	if lon.Valid {
		v := lon.Float64
		it.Longitude = &v
	}
	it.Status = Status(status)
	it.CreatedAt = time.UnixMilli(cms)
	it.UpdatedAt = time.UnixMilli(ums)
	return &it, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
