package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS presence (
	subject_id TEXT PRIMARY KEY,
	last_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS typing_status (
	subject_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	is_typing INTEGER NOT NULL,
	last_typed_at INTEGER NOT NULL,
	PRIMARY KEY (subject_id, conversation_id)
);

CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	category_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	author_id TEXT NOT NULL DEFAULT '',
	pinned INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_reply_at INTEGER,
	reply_count INTEGER
);

CREATE INDEX IF NOT EXISTS idx_items_category ON items(category_id);

CREATE TABLE IF NOT EXISTS votes (
	target_kind TEXT NOT NULL,
	target_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (target_kind, target_id, subject_id)
);

CREATE TABLE IF NOT EXISTS badges (
	subject_id TEXT NOT NULL,
	badge TEXT NOT NULL,
	awarded_at INTEGER NOT NULL,
	PRIMARY KEY (subject_id, badge)
);
`

const badgeFirstUpvote = "first_upvote"

// SQLiteStore implements repo.DataAPI on an embedded SQLite database.
// It is the fallback when the REST backend is unreachable.
type SQLiteStore struct {
	db          *sql.DB
	credentials repo.CredentialRepo
	publisher   repo.ChangePublisher
}

// NewSQLiteStore opens (and migrates) the database at dbPath.
// publisher may be nil; when set, presence and typing writes are announced on it.
func NewSQLiteStore(dbPath string, credentials repo.CredentialRepo, publisher repo.ChangePublisher) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between them
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLiteStore{db: db, credentials: credentials, publisher: publisher}, nil
}

func (s *SQLiteStore) Name() string {
	return "sqlite"
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============ Presence ============

func (s *SQLiteStore) UpsertPresence(ctx context.Context, record domain.PresenceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (subject_id, last_seen_at) VALUES (?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, record.SubjectID, record.LastSeenAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	s.publish(ctx, domain.TablePresence, record)
	return nil
}

func (s *SQLiteStore) QueryPresence(ctx context.Context, subjectIDs []string) ([]domain.PresenceRecord, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(subjectIDs))
	for i, id := range subjectIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id, last_seen_at FROM presence
		WHERE subject_id IN (`+placeholders(len(subjectIDs))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query presence: %w", err)
	}
	defer rows.Close()

	var records []domain.PresenceRecord
	for rows.Next() {
		var r domain.PresenceRecord
		var lastSeen int64
		if err := rows.Scan(&r.SubjectID, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan presence: %w", err)
		}
		r.LastSeenAt = time.UnixMilli(lastSeen).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// ============ Typing ============

func (s *SQLiteStore) UpsertTyping(ctx context.Context, state domain.TypingState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO typing_status (subject_id, conversation_id, display_name, is_typing, last_typed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(subject_id, conversation_id) DO UPDATE SET
			display_name = excluded.display_name,
			is_typing = excluded.is_typing,
			last_typed_at = excluded.last_typed_at
	`, state.SubjectID, state.ConversationID, state.DisplayName, state.IsTyping, state.LastTypedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert typing status: %w", err)
	}
	s.publish(ctx, domain.TableTyping, state)
	return nil
}

// ListTyping returns the typing rows of a conversation
func (s *SQLiteStore) ListTyping(ctx context.Context, conversationID string) ([]domain.TypingState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id, conversation_id, display_name, is_typing, last_typed_at
		FROM typing_status WHERE conversation_id = ?
		ORDER BY subject_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list typing status: %w", err)
	}
	defer rows.Close()

	var states []domain.TypingState
	for rows.Next() {
		var st domain.TypingState
		var lastTyped int64
		if err := rows.Scan(&st.SubjectID, &st.ConversationID, &st.DisplayName, &st.IsTyping, &lastTyped); err != nil {
			return nil, fmt.Errorf("failed to scan typing status: %w", err)
		}
		st.LastTypedAt = time.UnixMilli(lastTyped).UTC()
		states = append(states, st)
	}
	return states, rows.Err()
}

// ============ Votes ============

// ToggleVote flips the caller's vote membership in one transaction and reports the new count
func (s *SQLiteStore) ToggleVote(ctx context.Context, target domain.TargetKey) (*domain.VoteResult, error) {
	subject, err := s.subject(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM votes WHERE target_kind = ? AND target_id = ? AND subject_id = ?
	`, target.Kind, target.ID, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to remove vote: %w", err)
	}

	outcome := domain.VoteRemoved
	if n, _ := res.RowsAffected(); n == 0 {
		outcome = domain.VoteApplied
		_, err = tx.ExecContext(ctx, `
			INSERT INTO votes (target_kind, target_id, subject_id, created_at) VALUES (?, ?, ?, ?)
		`, target.Kind, target.ID, subject, time.Now().UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to add vote: %w", err)
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM votes WHERE target_kind = ? AND target_id = ?
	`, target.Kind, target.ID).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count votes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit vote: %w", err)
	}
	return &domain.VoteResult{Outcome: outcome, Count: &count}, nil
}

// ============ Feed ============

const feedFilterSQL = `
	WHERE (? = '' OR i.category_id = ?)
	  AND (? = '' OR i.title LIKE ? ESCAPE '\')
`

// feedOrderSQL mirrors domain.SortItems: pinned first, mode keys with nulls last, newest as tiebreak
var feedOrderSQL = map[domain.SortMode]string{
	domain.SortNew:    `i.pinned DESC, i.created_at DESC`,
	domain.SortTop:    `i.pinned DESC, score DESC, i.created_at DESC`,
	domain.SortActive: `i.pinned DESC, i.last_reply_at IS NULL, i.last_reply_at DESC, i.created_at DESC`,
	domain.SortHot:    `i.pinned DESC, i.reply_count IS NULL, i.reply_count DESC, score DESC, i.created_at DESC`,
}

func (s *SQLiteStore) FetchFeedPage(ctx context.Context, query domain.FeedQuery) (*domain.FeedPageResponse, error) {
	order, ok := feedOrderSQL[query.Sort]
	if !ok {
		order = feedOrderSQL[domain.SortHot]
	}
	limit := query.Limit
	if limit <= 0 {
		limit = domain.DefaultPageLimit
	}
	page := query.Page
	if page < 1 {
		page = 1
	}

	// The caller's own vote state is optional for the feed
	subject, _ := s.subject(ctx)
	pattern := ""
	if query.SearchQuery != "" {
		pattern = "%" + escapeLike(query.SearchQuery) + "%"
	}
	filterArgs := []interface{}{query.CategoryID, query.CategoryID, pattern, pattern}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items i`+feedFilterSQL, filterArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count feed: %w", err)
	}

	args := append([]interface{}{subject}, filterArgs...)
	args = append(args, limit, (page-1)*limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.category_id, i.title, i.author_id, i.pinned, i.created_at,
			i.last_reply_at, i.reply_count,
			(SELECT COUNT(*) FROM votes v WHERE v.target_kind = 'thread' AND v.target_id = i.id) AS score,
			EXISTS (SELECT 1 FROM votes v WHERE v.target_kind = 'thread' AND v.target_id = i.id AND v.subject_id = ?) AS upvoted
		FROM items i`+feedFilterSQL+`
		ORDER BY `+order+`
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feed: %w", err)
	}
	defer rows.Close()

	items := []domain.Item{}
	for rows.Next() {
		var it domain.Item
		var createdAt int64
		var lastReply, replyCount sql.NullInt64
		var score int
		if err := rows.Scan(&it.ID, &it.CategoryID, &it.Title, &it.AuthorID, &it.Pinned, &createdAt,
			&lastReply, &replyCount, &score, &it.Upvoted); err != nil {
			return nil, fmt.Errorf("failed to scan feed item: %w", err)
		}
		it.CreatedAt = time.UnixMilli(createdAt).UTC()
		if lastReply.Valid {
			t := time.UnixMilli(lastReply.Int64).UTC()
			it.LastReplyAt = &t
		}
		if replyCount.Valid {
			n := int(replyCount.Int64)
			it.ReplyCount = &n
		}
		it.Score = &score
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}

	return &domain.FeedPageResponse{Items: items, TotalCount: &total}, nil
}

// SaveItems inserts or replaces feed items
func (s *SQLiteStore) SaveItems(ctx context.Context, items []domain.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		var lastReply, replyCount interface{}
		if it.LastReplyAt != nil {
			lastReply = it.LastReplyAt.UnixMilli()
		}
		if it.ReplyCount != nil {
			replyCount = *it.ReplyCount
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO items (id, category_id, title, author_id, pinned, created_at, last_reply_at, reply_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, it.ID, it.CategoryID, it.Title, it.AuthorID, it.Pinned, it.CreatedAt.UnixMilli(), lastReply, replyCount)
		if err != nil {
			return fmt.Errorf("failed to save item %s: %w", it.ID, err)
		}
	}
	return tx.Commit()
}

// ============ Badges ============

func (s *SQLiteStore) AwardFirstUpvote(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO badges (subject_id, badge, awarded_at) VALUES (?, ?, ?)
	`, subjectID, badgeFirstUpvote, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to award badge: %w", err)
	}
	return nil
}

// HasBadge reports whether subjectID holds the first-upvote badge
func (s *SQLiteStore) HasBadge(ctx context.Context, subjectID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM badges WHERE subject_id = ? AND badge = ?
	`, subjectID, badgeFirstUpvote).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query badge: %w", err)
	}
	return n > 0, nil
}

// ============ Helpers ============

func (s *SQLiteStore) subject(ctx context.Context) (string, error) {
	if s.credentials == nil {
		return "", errors.New("no credential store configured")
	}
	cred, err := s.credentials.Credential(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	if cred.SubjectID == "" {
		return "", errors.New("credential has no subject")
	}
	return cred.SubjectID, nil
}

func (s *SQLiteStore) publish(ctx context.Context, table string, record interface{}) {
	if s.publisher == nil {
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		slog.Warn("[SQLITE] Failed to encode change", "table", table, "error", err)
		return
	}
	event := domain.ChangeEvent{Table: table, Type: domain.ChangeUpdate, Record: raw}
	if err := s.publisher.PublishChange(ctx, event); err != nil {
		slog.Warn("[SQLITE] Failed to publish change", "table", table, "error", err)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
