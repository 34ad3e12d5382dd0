package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/blackmichael/campusfeed/internal/domain"
)

var tracer = otel.Tracer("github.com/blackmichael/campusfeed/internal/sqlite")

// Repository implements domain.Store and domain.SweepRepository on an
// embedded SQLite database. Writes are serialised through a single
// connection, which makes every transaction linearizable.
type Repository struct {
	db  *sql.DB
	hub *hub
	now func() time.Time
}

// NewRepository opens the database at path, applies migrations, and returns
// a new Repository. The caller should call Close when done.
func NewRepository(path string) (*Repository, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := applyMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Repository{
		db:  db,
		hub: newHub(),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close stops every live query and closes the database.
func (r *Repository) Close() error {
	r.hub.closeAll()
	return r.db.Close()
}

// SubscribePosts opens a live query on the posts collection.
func (r *Repository) SubscribePosts(ctx context.Context, q domain.PostQuery, onSnapshot domain.PostSnapshotFunc, onError domain.SubscriptionErrorFunc) (domain.Subscription, error) {
	column, err := filterColumn(q.Field)
	if err != nil {
		return nil, err
	}

	sub := r.hub.open(ctx, "", false, func(ctx context.Context, live *liveQuery) {
		posts, err := r.queryPosts(ctx, column, q.Value)
		if live.closed.Load() {
			return
		}
		if err != nil {
			if onError != nil {
				onError(domain.WrapError(domain.CodeTransient, "query posts", err))
			}
			return
		}
		onSnapshot(posts)
	})
	return sub, nil
}

// SubscribeComments opens a live query on one post's comments.
func (r *Repository) SubscribeComments(ctx context.Context, postID string, onSnapshot domain.CommentSnapshotFunc, onError domain.SubscriptionErrorFunc) (domain.Subscription, error) {
	if postID == "" {
		return nil, domain.NewError(domain.CodeValidation, "post id required")
	}

	sub := r.hub.open(ctx, postID, true, func(ctx context.Context, live *liveQuery) {
		comments, err := r.queryComments(ctx, postID)
		if live.closed.Load() {
			return
		}
		if err != nil {
			if onError != nil {
				onError(domain.WrapError(domain.CodeTransient, "query comments", err))
			}
			return
		}
		onSnapshot(comments)
	})
	return sub, nil
}

// CreatePost inserts a new post document.
func (r *Repository) CreatePost(ctx context.Context, post domain.Post) (id string, err error) {
	ctx, span := tracer.Start(ctx, "sqlite.CreatePost", trace.WithAttributes(
		attribute.String("post.type", string(post.Type)),
		attribute.String("post.client_key", post.ClientKey),
	))
	defer func() { endSpan(span, err) }()

	if !post.Type.Valid() {
		return "", domain.NewError(domain.CodeValidation, "invalid post type")
	}
	if post.OwnerUID == "" {
		return "", domain.NewError(domain.CodeValidation, "owner uid required")
	}

	createdAt := post.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	id = uuid.NewString()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO posts (id, client_key, text, image_url, author, author_avatar, uid, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		post.ClientKey,
		post.Text,
		post.ImageURL,
		post.Author,
		post.AuthorAvatar,
		post.OwnerUID,
		string(post.Type),
		createdAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert post: %w", err)
	}

	r.hub.postsChanged()
	return id, nil
}

// DeletePost removes a post together with its likes, reports and comments.
func (r *Repository) DeletePost(ctx context.Context, postID string) (err error) {
	ctx, span := tracer.Start(ctx, "sqlite.DeletePost", trace.WithAttributes(attribute.String("post.id", postID)))
	defer func() { endSpan(span, err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := deletePostTx(ctx, tx, postID)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewError(domain.CodeNotFound, "post "+postID+" not found")
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.hub.postsChanged()
	r.hub.commentsChanged(postID)
	return nil
}

// AddToSet adds uid to the likes or reports of a post if absent.
func (r *Repository) AddToSet(ctx context.Context, postID string, field domain.SetField, uid string) (err error) {
	ctx, span := tracer.Start(ctx, "sqlite.AddToSet", trace.WithAttributes(
		attribute.String("post.id", postID),
		attribute.String("field", string(field)),
	))
	defer func() { endSpan(span, err) }()

	table, err := setTable(field)
	if err != nil {
		return err
	}
	if uid == "" {
		return domain.NewError(domain.CodeValidation, "uid required")
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+table+` (post_id, uid, created_at) VALUES (?, ?, ?)`,
		postID, uid, r.now().UnixMilli(),
	)
	if err != nil {
		if isConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return domain.NewError(domain.CodeNotFound, "post "+postID+" not found")
		}
		return fmt.Errorf("add to %s: %w", field, err)
	}

	r.hub.postsChanged()
	return nil
}

// RemoveFromSet removes uid from the likes or reports of a post if present.
func (r *Repository) RemoveFromSet(ctx context.Context, postID string, field domain.SetField, uid string) (err error) {
	ctx, span := tracer.Start(ctx, "sqlite.RemoveFromSet", trace.WithAttributes(
		attribute.String("post.id", postID),
		attribute.String("field", string(field)),
	))
	defer func() { endSpan(span, err) }()

	table, err := setTable(field)
	if err != nil {
		return err
	}

	if _, err = r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE post_id = ? AND uid = ?`, postID, uid); err != nil {
		return fmt.Errorf("remove from %s: %w", field, err)
	}

	r.hub.postsChanged()
	return nil
}

// ReportPost adds uid to the report set and, in the same transaction, deletes
// the post once the set reaches threshold. The count is read inside the
// transaction so concurrent reporters can never both miss the threshold.
func (r *Repository) ReportPost(ctx context.Context, postID, uid string, threshold int) (result domain.ReportResult, err error) {
	ctx, span := tracer.Start(ctx, "sqlite.ReportPost", trace.WithAttributes(attribute.String("post.id", postID)))
	defer func() {
		span.SetAttributes(
			attribute.Int("report.count", result.Count),
			attribute.Bool("report.deleted", result.Deleted),
		)
		endSpan(span, err)
	}()

	if uid == "" {
		return result, domain.NewError(domain.CodeValidation, "uid required")
	}
	if threshold < 1 {
		threshold = domain.StrikeThreshold
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE id = ?`, postID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return result, domain.NewError(domain.CodeNotFound, "post "+postID+" not found")
	}
	if err != nil {
		return result, fmt.Errorf("read post: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO post_reports (post_id, uid, created_at) VALUES (?, ?, ?)`,
		postID, uid, r.now().UnixMilli(),
	)
	if err != nil {
		return result, fmt.Errorf("insert report: %w", err)
	}
	added, _ := res.RowsAffected()
	result.Added = added == 1

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM post_reports WHERE post_id = ?`, postID).Scan(&result.Count); err != nil {
		return result, fmt.Errorf("count reports: %w", err)
	}

	if result.Count >= threshold {
		if _, err := deletePostTx(ctx, tx, postID); err != nil {
			return result, err
		}
		result.Deleted = true
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit transaction: %w", err)
	}

	r.hub.postsChanged()
	if result.Deleted {
		r.hub.commentsChanged(postID)
	}
	return result, nil
}

// GetPost reads one post with its likes and reports.
func (r *Repository) GetPost(ctx context.Context, postID string) (domain.Post, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, client_key, text, image_url, author, author_avatar, uid, type, created_at
		FROM posts
		WHERE id = ?`, postID)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Post{}, domain.NewError(domain.CodeNotFound, "post "+postID+" not found")
	}
	if err != nil {
		return domain.Post{}, fmt.Errorf("scan post: %w", err)
	}

	posts := []domain.Post{p}
	if err := r.loadSets(ctx, `SELECT post_id, uid FROM %s WHERE post_id = ? ORDER BY uid`, []any{postID}, posts); err != nil {
		return domain.Post{}, err
	}
	return posts[0], nil
}

// CreateComment appends a comment under an existing post.
func (r *Repository) CreateComment(ctx context.Context, c domain.Comment) (id string, err error) {
	ctx, span := tracer.Start(ctx, "sqlite.CreateComment", trace.WithAttributes(attribute.String("post.id", c.PostID)))
	defer func() { endSpan(span, err) }()

	if err := domain.ValidateComment(c.Text); err != nil {
		return "", err
	}

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	id = uuid.NewString()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO comments (id, post_id, text, author, author_avatar, uid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, c.PostID, c.Text, c.Author, c.AuthorAvatar, c.OwnerUID, createdAt.UnixMilli(),
	)
	if err != nil {
		if isConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return "", domain.NewError(domain.CodeNotFound, "post "+c.PostID+" not found")
		}
		return "", fmt.Errorf("insert comment: %w", err)
	}

	r.hub.commentsChanged(c.PostID)
	return id, nil
}

// PutUserProfile creates a user profile. The username must be unused.
func (r *Repository) PutUserProfile(ctx context.Context, profile domain.UserProfile) (err error) {
	ctx, span := tracer.Start(ctx, "sqlite.PutUserProfile")
	defer func() { endSpan(span, err) }()

	username, err := domain.CanonicalUsername(profile.Username)
	if err != nil {
		return err
	}
	createdAt := profile.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (uid, username, email, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		profile.UID, username, strings.TrimSpace(profile.Email), profile.AvatarURL, createdAt.UnixMilli(),
	)
	if err != nil {
		if isConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE) || isConstraint(err, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
			return domain.WrapError(domain.CodeConflict, "username already taken", err)
		}
		return fmt.Errorf("insert user profile: %w", err)
	}
	return nil
}

// UpdateProfile applies a partial update to a user profile.
func (r *Repository) UpdateProfile(ctx context.Context, uid string, patch domain.ProfilePatch) (err error) {
	ctx, span := tracer.Start(ctx, "sqlite.UpdateProfile")
	defer func() { endSpan(span, err) }()

	if patch.AvatarURL == nil {
		return nil
	}
	res, err := r.db.ExecContext(ctx, `UPDATE users SET avatar_url = ? WHERE uid = ?`, *patch.AvatarURL, uid)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewError(domain.CodeNotFound, "user "+uid+" not found")
	}
	return nil
}

// FindEmailByUsername resolves a username to the account email.
func (r *Repository) FindEmailByUsername(ctx context.Context, username string) (string, error) {
	canonical, err := domain.CanonicalUsername(username)
	if err != nil {
		return "", err
	}
	var email string
	err = r.db.QueryRowContext(ctx, `SELECT email FROM users WHERE username = ?`, canonical).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.NewError(domain.CodeNotFound, "username not found")
	}
	if err != nil {
		return "", fmt.Errorf("find user: %w", err)
	}
	return email, nil
}

// DeleteStruckPosts removes every post whose report set reached threshold.
func (r *Repository) DeleteStruckPosts(ctx context.Context, threshold int) (deleted int64, err error) {
	ctx, span := tracer.Start(ctx, "sqlite.DeleteStruckPosts")
	defer func() {
		span.SetAttributes(attribute.Int64("deleted", deleted))
		endSpan(span, err)
	}()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT post_id FROM post_reports
		GROUP BY post_id
		HAVING COUNT(*) >= ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("query struck posts: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan struck post: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate struck posts: %w", err)
	}

	for _, id := range ids {
		n, err := deletePostTx(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	if deleted > 0 {
		r.hub.postsChanged()
		for _, id := range ids {
			r.hub.commentsChanged(id)
		}
	}
	return deleted, nil
}

func (r *Repository) queryPosts(ctx context.Context, column, value string) ([]domain.Post, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, client_key, text, image_url, author, author_avatar, uid, type, created_at
		FROM posts
		WHERE `+column+` = ?
		ORDER BY created_at DESC, id ASC`, value)
	if err != nil {
		return nil, fmt.Errorf("query posts (%s=%s): %w", column, value, err)
	}

	posts := []domain.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}

	if len(posts) == 0 {
		return posts, nil
	}
	setQuery := `SELECT s.post_id, s.uid FROM %s s JOIN posts p ON p.id = s.post_id WHERE p.` + column + ` = ? ORDER BY s.uid`
	if err := r.loadSets(ctx, setQuery, []any{value}, posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// loadSets fills Likes and Reports. query is a format string whose %s is the
// set table.
func (r *Repository) loadSets(ctx context.Context, query string, args []any, posts []domain.Post) error {
	index := make(map[string]int, len(posts))
	for i, p := range posts {
		index[p.ID] = i
		posts[i].Likes = domain.UIDSet{}
		posts[i].Reports = domain.UIDSet{}
	}

	for _, field := range []domain.SetField{domain.FieldLikes, domain.FieldReports} {
		table, _ := setTable(field)
		rows, err := r.db.QueryContext(ctx, fmt.Sprintf(query, table), args...)
		if err != nil {
			return fmt.Errorf("query %s: %w", field, err)
		}
		for rows.Next() {
			var postID, uid string
			if err := rows.Scan(&postID, &uid); err != nil {
				rows.Close()
				return fmt.Errorf("scan %s: %w", field, err)
			}
			i, ok := index[postID]
			if !ok {
				continue
			}
			// Rows arrive ordered by uid, so appending keeps the set sorted.
			if field == domain.FieldLikes {
				posts[i].Likes = append(posts[i].Likes, uid)
			} else {
				posts[i].Reports = append(posts[i].Reports, uid)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate %s: %w", field, err)
		}
	}
	return nil
}

func (r *Repository) queryComments(ctx context.Context, postID string) ([]domain.Comment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, post_id, text, author, author_avatar, uid, created_at
		FROM comments
		WHERE post_id = ?
		ORDER BY created_at ASC, id ASC`, postID)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	comments := []domain.Comment{}
	for rows.Next() {
		var (
			c       domain.Comment
			created int64
		)
		if err := rows.Scan(&c.ID, &c.PostID, &c.Text, &c.Author, &c.AuthorAvatar, &c.OwnerUID, &created); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.CreatedAt = time.UnixMilli(created).UTC()
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (domain.Post, error) {
	var (
		p       domain.Post
		typ     string
		created int64
	)
	err := row.Scan(
		&p.ID,
		&p.ClientKey,
		&p.Text,
		&p.ImageURL,
		&p.Author,
		&p.AuthorAvatar,
		&p.OwnerUID,
		&typ,
		&created,
	)
	if err != nil {
		return domain.Post{}, err
	}
	p.Type = domain.PostType(typ)
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.Origin = domain.OriginConfirmed
	return p, nil
}

func deletePostTx(ctx context.Context, tx *sql.Tx, postID string) (int64, error) {
	for _, stmt := range []string{
		`DELETE FROM comments WHERE post_id = ?`,
		`DELETE FROM post_likes WHERE post_id = ?`,
		`DELETE FROM post_reports WHERE post_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, postID); err != nil {
			return 0, fmt.Errorf("delete post children: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, postID)
	if err != nil {
		return 0, fmt.Errorf("delete post: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func filterColumn(field domain.QueryField) (string, error) {
	switch field {
	case domain.QueryByType:
		return "type", nil
	case domain.QueryByUID:
		return "uid", nil
	default:
		return "", domain.NewError(domain.CodeValidation, "unsupported filter field "+string(field))
	}
}

func setTable(field domain.SetField) (string, error) {
	switch field {
	case domain.FieldLikes:
		return "post_likes", nil
	case domain.FieldReports:
		return "post_reports", nil
	default:
		return "", domain.NewError(domain.CodeValidation, "unsupported set field "+string(field))
	}
}

var constraintMessages = map[int]string{
	sqlite3.SQLITE_CONSTRAINT_UNIQUE:     "UNIQUE constraint failed",
	sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY: "UNIQUE constraint failed",
	sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY: "FOREIGN KEY constraint failed",
}

func isConstraint(err error, code int) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	if sqliteErr.Code() == code {
		return true
	}
	// Connections without extended result codes only report the primary code.
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
		strings.Contains(sqliteErr.Error(), constraintMessages[code])
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
