package store

import (
	"context"
	"errors"
	"time"

	"github.com/PortNumber53/event-post-assistant/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrStatusConflict = errors.New("status conflict")
)

// Transition describes a compare-and-set status change.
//
// An empty From matches any current status. ScheduleDate replaces the stored schedule when non-nil.
// Error is recorded as publishError when To is failed and cleared for every other target status.
// JobID, when set, is stored as lastPublishJobId together with lastPublishAttemptAt.
// ClaimJobID, when set, additionally requires lastPublishJobId to equal it.
type Transition struct {
	From         models.PostStatus
	To           models.PostStatus
	ScheduleDate *time.Time
	Error        string
	JobID        string
	ClaimJobID   string
}

type Store interface {
	CreatePost(ctx context.Context, p *models.Post) (*models.Post, error)
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	ListPosts(ctx context.Context) ([]models.Post, error)
	ListScheduledPosts(ctx context.Context) ([]models.Post, error)
	ListPostsByStatus(ctx context.Context, status models.PostStatus) ([]models.Post, error)
	UpdatePostStatus(ctx context.Context, id int64, status models.PostStatus) (*models.Post, error)
	TransitionPost(ctx context.Context, id int64, t Transition) (*models.Post, error)
	DeletePost(ctx context.Context, id int64) error

	CreatePostGeneration(ctx context.Context, g *models.PostGeneration) (*models.PostGeneration, error)
	ListPostGenerations(ctx context.Context, postID int64) ([]models.PostGeneration, error)

	CreateUser(ctx context.Context, u *models.User) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateUserSettings(ctx context.Context, id int64, s models.UserSettings) (*models.User, error)
	UpdateLinkedInToken(ctx context.Context, id int64, t models.LinkedInToken) (*models.User, error)
}

// DemoUsername is the account seeded on startup; every post belongs to it until auth exists.
const DemoUsername = "demo"

// EnsureDemoUser returns the demo user, creating it on first use.
func EnsureDemoUser(ctx context.Context, s Store) (*models.User, error) {
	u, err := s.GetUserByUsername(ctx, DemoUsername)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.CreateUser(ctx, &models.User{
		Username:              DemoUsername,
		DefaultTone:           models.DefaultTone,
		AnalyzePostsByDefault: true,
	})
}
