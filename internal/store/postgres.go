package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PortNumber53/event-post-assistant/internal/models"
	"github.com/lib/pq"
)

const postColumns = `id, user_id, title, content, COALESCE(images, ARRAY[]::text[]), status,
	       event_date, event_location, event_description, people_met_connections, tone_preference,
	       schedule_date, published_date, publish_error, last_publish_job_id, last_publish_attempt_at,
	       created_at, updated_at`

const userColumns = `id, username, linkedin_access_token, linkedin_refresh_token, linkedin_token_expiry,
	       writing_style_samples, default_tone, analyze_posts_by_default, created_at`

// PostgresStore persists posts, generations and users in Postgres (schema in db/migrations).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*models.Post, error) {
	var p models.Post
	if err := row.Scan(
		&p.ID, &p.UserID, &p.Title, &p.Content, pq.Array(&p.Images), &p.Status,
		&p.EventDate, &p.EventLocation, &p.EventDescription, &p.PeopleMetConnections, &p.TonePreference,
		&p.ScheduleDate, &p.PublishedDate, &p.PublishError, &p.LastPublishJobID, &p.LastPublishAttemptAt,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if p.Images == nil {
		p.Images = []string{}
	}
	return &p, nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(
		&u.ID, &u.Username, &u.LinkedinAccessToken, &u.LinkedinRefreshToken, &u.LinkedinTokenExpiry,
		&u.WritingStyleSamples, &u.DefaultTone, &u.AnalyzePostsByDefault, &u.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreatePost(ctx context.Context, p *models.Post) (*models.Post, error) {
	if err := models.ValidatePost(p); err != nil {
		return nil, err
	}
	images := p.Images
	if images == nil {
		images = []string{}
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO public.posts
		  (user_id, title, content, images, status, event_date, event_location, event_description,
		   people_met_connections, tone_preference, schedule_date, published_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING `+postColumns,
		p.UserID, p.Title, p.Content, pq.Array(images), string(p.Status), p.EventDate, p.EventLocation, p.EventDescription,
		p.PeopleMetConnections, p.TonePreference, p.ScheduleDate, p.PublishedDate,
	)
	out, err := scanPost(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("user %d: %w", p.UserID, ErrNotFound)
		}
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM public.posts WHERE id = $1`, id)
	p, err := scanPost(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListPosts(ctx context.Context) ([]models.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+`
		  FROM public.posts
		 ORDER BY created_at DESC, id DESC`)
}

func (s *PostgresStore) ListScheduledPosts(ctx context.Context) ([]models.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+`
		  FROM public.posts
		 WHERE status = 'scheduled'
		 ORDER BY schedule_date ASC NULLS LAST, id ASC`)
}

func (s *PostgresStore) ListPostsByStatus(ctx context.Context, status models.PostStatus) ([]models.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+`
		  FROM public.posts
		 WHERE status = $1
		 ORDER BY id ASC`, string(status))
}

func (s *PostgresStore) queryPosts(ctx context.Context, query string, args ...any) ([]models.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := []models.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return posts, nil
}

func (s *PostgresStore) UpdatePostStatus(ctx context.Context, id int64, status models.PostStatus) (*models.Post, error) {
	return s.TransitionPost(ctx, id, Transition{To: status})
}

// TransitionPost applies t in a single conditional UPDATE so concurrent writers cannot both win.
func (s *PostgresStore) TransitionPost(ctx context.Context, id int64, t Transition) (*models.Post, error) {
	if !t.To.Valid() {
		return nil, &models.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", t.To)}
	}
	var errText, jobID any
	if t.To == models.StatusFailed {
		msg := strings.TrimSpace(t.Error)
		if msg == "" {
			msg = "publish_failed"
		}
		errText = truncate(msg, 500)
	}
	if t.JobID != "" {
		jobID = t.JobID
	}
	var scheduleDate any
	if t.ScheduleDate != nil {
		scheduleDate = t.ScheduleDate.UTC()
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE public.posts
		   SET status = $2::text,
		       updated_at = NOW(),
		       published_date = CASE WHEN $2::text = 'published' THEN COALESCE(published_date, NOW()) ELSE published_date END,
		       schedule_date = COALESCE($4::timestamptz, schedule_date),
		       publish_error = CASE WHEN $2::text = 'failed' THEN $5::text ELSE NULL END,
		       last_publish_job_id = COALESCE($6::text, last_publish_job_id),
		       last_publish_attempt_at = CASE WHEN $6::text IS NULL THEN last_publish_attempt_at ELSE NOW() END
		 WHERE id = $1
		   AND ($3::text = '' OR status = $3::text)
		   AND ($7::text = '' OR last_publish_job_id = $7::text)
		RETURNING `+postColumns,
		id, string(t.To), string(t.From), scheduleDate, errText, jobID, t.ClaimJobID,
	)
	p, err := scanPost(row)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// Nothing updated: distinguish a missing row from a status mismatch.
	var current string
	if e2 := s.db.QueryRowContext(ctx, `SELECT status FROM public.posts WHERE id = $1`, id).Scan(&current); e2 != nil {
		if e2 == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, e2
	}
	if t.ClaimJobID != "" {
		return nil, fmt.Errorf("%w: post %d is %s, not claimed by job %s", ErrStatusConflict, id, current, t.ClaimJobID)
	}
	return nil, fmt.Errorf("%w: post %d is %s, expected %s", ErrStatusConflict, id, current, t.From)
}

func (s *PostgresStore) DeletePost(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM public.posts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreatePostGeneration(ctx context.Context, g *models.PostGeneration) (*models.PostGeneration, error) {
	if g == nil || strings.TrimSpace(g.GeneratedContent) == "" {
		return nil, &models.ValidationError{Field: "generatedContent", Message: "is required"}
	}
	hashtags := g.Hashtags
	if hashtags == nil {
		hashtags = []string{}
	}
	var out models.PostGeneration
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO public.post_generations (post_id, generated_content, ai_prompt, hashtags, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, post_id, generated_content, ai_prompt, COALESCE(hashtags, ARRAY[]::text[]), created_at
	`, g.PostID, g.GeneratedContent, g.AIPrompt, pq.Array(hashtags)).
		Scan(&out.ID, &out.PostID, &out.GeneratedContent, &out.AIPrompt, pq.Array(&out.Hashtags), &out.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if out.Hashtags == nil {
		out.Hashtags = []string{}
	}
	return &out, nil
}

func (s *PostgresStore) ListPostGenerations(ctx context.Context, postID int64) ([]models.PostGeneration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, generated_content, ai_prompt, COALESCE(hashtags, ARRAY[]::text[]), created_at
		  FROM public.post_generations
		 WHERE post_id = $1
		 ORDER BY created_at DESC, id DESC
	`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.PostGeneration{}
	for rows.Next() {
		var g models.PostGeneration
		if err := rows.Scan(&g.ID, &g.PostID, &g.GeneratedContent, &g.AIPrompt, pq.Array(&g.Hashtags), &g.CreatedAt); err != nil {
			return nil, err
		}
		if g.Hashtags == nil {
			g.Hashtags = []string{}
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) (*models.User, error) {
	if u == nil || strings.TrimSpace(u.Username) == "" {
		return nil, &models.ValidationError{Field: "username", Message: "is required"}
	}
	tone := u.DefaultTone
	if tone == "" {
		tone = models.DefaultTone
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO public.users (username, writing_style_samples, default_tone, analyze_posts_by_default, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING `+userColumns,
		u.Username, u.WritingStyleSamples, tone, u.AnalyzePostsByDefault,
	)
	out, err := scanUser(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, &models.ValidationError{Field: "username", Message: "already exists"}
		}
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM public.users WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM public.users WHERE username = $1`, username))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *PostgresStore) UpdateUserSettings(ctx context.Context, id int64, in models.UserSettings) (*models.User, error) {
	var tone any
	if in.DefaultTone != nil && strings.TrimSpace(*in.DefaultTone) != "" {
		tone = strings.TrimSpace(*in.DefaultTone)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE public.users
		   SET writing_style_samples = COALESCE($2, writing_style_samples),
		       default_tone = COALESCE($3, default_tone),
		       analyze_posts_by_default = COALESCE($4, analyze_posts_by_default)
		 WHERE id = $1
		RETURNING `+userColumns,
		id, in.WritingStyleSamples, tone, in.AnalyzePostsByDefault,
	)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *PostgresStore) UpdateLinkedInToken(ctx context.Context, id int64, t models.LinkedInToken) (*models.User, error) {
	var refresh, expiry any
	if t.RefreshToken != "" {
		refresh = t.RefreshToken
	}
	if !t.Expiry.IsZero() {
		expiry = t.Expiry.UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE public.users
		   SET linkedin_access_token = $2,
		       linkedin_refresh_token = $3,
		       linkedin_token_expiry = $4
		 WHERE id = $1
		RETURNING `+userColumns,
		id, t.AccessToken, refresh, expiry,
	)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary; Postgres rejects invalid UTF-8 in text columns.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
