package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/event-post-assistant/internal/models"
)

// MemStore keeps everything in process memory. It backs tests and STORE=memory.
type MemStore struct {
	mu sync.Mutex

	posts       map[int64]models.Post
	generations map[int64]models.PostGeneration
	users       map[int64]models.User

	nextPostID       int64
	nextGenerationID int64
	nextUserID       int64

	// Now is the store clock; tests replace it to get deterministic timestamps.
	Now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		posts:            make(map[int64]models.Post),
		generations:      make(map[int64]models.PostGeneration),
		users:            make(map[int64]models.User),
		nextPostID:       1,
		nextGenerationID: 1,
		nextUserID:       1,
		Now:              time.Now,
	}
}

func (s *MemStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *MemStore) CreatePost(ctx context.Context, p *models.Post) (*models.Post, error) {
	if err := models.ValidatePost(p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := p.Clone()
	out.ID = s.nextPostID
	s.nextPostID++
	now := s.now()
	out.CreatedAt = now
	out.UpdatedAt = now
	if out.Images == nil {
		out.Images = []string{}
	}
	s.posts[out.ID] = out

	ret := out.Clone()
	return &ret, nil
}

func (s *MemStore) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := p.Clone()
	return &out, nil
}

func (s *MemStore) ListPosts(ctx context.Context) ([]models.Post, error) {
	s.mu.Lock()
	out := make([]models.Post, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, p.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemStore) ListScheduledPosts(ctx context.Context) ([]models.Post, error) {
	s.mu.Lock()
	out := make([]models.Post, 0)
	for _, p := range s.posts {
		if p.Status == models.StatusScheduled {
			out = append(out, p.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ScheduleDate, out[j].ScheduleDate
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListPostsByStatus returns posts in status, oldest id first.
func (s *MemStore) ListPostsByStatus(ctx context.Context, status models.PostStatus) ([]models.Post, error) {
	s.mu.Lock()
	out := make([]models.Post, 0)
	for _, p := range s.posts {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) UpdatePostStatus(ctx context.Context, id int64, status models.PostStatus) (*models.Post, error) {
	return s.TransitionPost(ctx, id, Transition{To: status})
}

func (s *MemStore) TransitionPost(ctx context.Context, id int64, t Transition) (*models.Post, error) {
	if !t.To.Valid() {
		return nil, &models.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", t.To)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.From != "" && p.Status != t.From {
		return nil, fmt.Errorf("%w: post %d is %s, expected %s", ErrStatusConflict, id, p.Status, t.From)
	}
	if t.ClaimJobID != "" && (p.LastPublishJobID == nil || *p.LastPublishJobID != t.ClaimJobID) {
		return nil, fmt.Errorf("%w: post %d is not claimed by job %s", ErrStatusConflict, id, t.ClaimJobID)
	}

	now := s.now()
	p.Status = t.To
	p.UpdatedAt = now
	if t.To == models.StatusPublished && p.PublishedDate == nil {
		ts := now
		p.PublishedDate = &ts
	}
	if t.ScheduleDate != nil {
		sd := t.ScheduleDate.UTC()
		p.ScheduleDate = &sd
	}
	if t.To == models.StatusFailed {
		msg := strings.TrimSpace(t.Error)
		if msg == "" {
			msg = "publish_failed"
		}
		p.PublishError = &msg
	} else {
		p.PublishError = nil
	}
	if t.JobID != "" {
		job := t.JobID
		at := now
		p.LastPublishJobID = &job
		p.LastPublishAttemptAt = &at
	}
	s.posts[id] = p

	out := p.Clone()
	return &out, nil
}

func (s *MemStore) DeletePost(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return ErrNotFound
	}
	delete(s.posts, id)
	for gid, g := range s.generations {
		if g.PostID == id {
			delete(s.generations, gid)
		}
	}
	return nil
}

func (s *MemStore) CreatePostGeneration(ctx context.Context, g *models.PostGeneration) (*models.PostGeneration, error) {
	if g == nil || strings.TrimSpace(g.GeneratedContent) == "" {
		return nil, &models.ValidationError{Field: "generatedContent", Message: "is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[g.PostID]; !ok {
		return nil, ErrNotFound
	}

	out := *g
	out.ID = s.nextGenerationID
	s.nextGenerationID++
	out.CreatedAt = s.now()
	out.Hashtags = append([]string{}, g.Hashtags...)
	s.generations[out.ID] = out

	ret := out
	ret.Hashtags = append([]string{}, out.Hashtags...)
	return &ret, nil
}

func (s *MemStore) ListPostGenerations(ctx context.Context, postID int64) ([]models.PostGeneration, error) {
	s.mu.Lock()
	out := make([]models.PostGeneration, 0)
	for _, g := range s.generations {
		if g.PostID == postID {
			g.Hashtags = append([]string{}, g.Hashtags...)
			out = append(out, g)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemStore) CreateUser(ctx context.Context, u *models.User) (*models.User, error) {
	if u == nil || strings.TrimSpace(u.Username) == "" {
		return nil, &models.ValidationError{Field: "username", Message: "is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return nil, &models.ValidationError{Field: "username", Message: "already exists"}
		}
	}
	out := *u
	out.ID = s.nextUserID
	s.nextUserID++
	if out.DefaultTone == "" {
		out.DefaultTone = models.DefaultTone
	}
	out.CreatedAt = s.now()
	s.users[out.ID] = out
	ret := out
	return &ret, nil
}

func (s *MemStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *MemStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			out := u
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) UpdateLinkedInToken(ctx context.Context, id int64, t models.LinkedInToken) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	access := t.AccessToken
	u.LinkedinAccessToken = &access
	u.LinkedinRefreshToken = nil
	if t.RefreshToken != "" {
		refresh := t.RefreshToken
		u.LinkedinRefreshToken = &refresh
	}
	u.LinkedinTokenExpiry = nil
	if !t.Expiry.IsZero() {
		exp := t.Expiry.UTC()
		u.LinkedinTokenExpiry = &exp
	}
	s.users[id] = u
	out := u
	return &out, nil
}

func (s *MemStore) UpdateUserSettings(ctx context.Context, id int64, in models.UserSettings) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if in.WritingStyleSamples != nil {
		v := *in.WritingStyleSamples
		u.WritingStyleSamples = &v
	}
	if in.DefaultTone != nil && strings.TrimSpace(*in.DefaultTone) != "" {
		u.DefaultTone = strings.TrimSpace(*in.DefaultTone)
	}
	if in.AnalyzePostsByDefault != nil {
		u.AnalyzePostsByDefault = *in.AnalyzePostsByDefault
	}
	s.users[id] = u
	out := u
	return &out, nil
}
