package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/event-post-assistant/internal/models"
	"github.com/PortNumber53/event-post-assistant/internal/openai"
	"github.com/PortNumber53/event-post-assistant/internal/publishing"
	"github.com/PortNumber53/event-post-assistant/internal/store"
)

// PostService is the post lifecycle surface the API drives.
type PostService interface {
	CreateOrSchedulePost(ctx context.Context, d publishing.PostDraft, scheduleDate *time.Time) (*models.Post, error)
	ListPosts(ctx context.Context) ([]models.Post, error)
	ListScheduledPosts(ctx context.Context) ([]models.Post, error)
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	DeletePost(ctx context.Context, id int64) error
	CancelSchedule(ctx context.Context, id int64) (*models.Post, error)
	RepublishPost(ctx context.Context, id int64, scheduleDate *time.Time) (*models.Post, error)
	ListPostGenerations(ctx context.Context, postID int64) ([]models.PostGeneration, error)
}

type Generator interface {
	GeneratePost(ctx context.Context, details models.EventDetails, images []string) (*models.GeneratedPost, error)
	AnalyzeWritingStyle(ctx context.Context, samples string) (*models.StyleAnalysis, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	UpdateUserSettings(ctx context.Context, id int64, s models.UserSettings) (*models.User, error)
	UpdateLinkedInToken(ctx context.Context, id int64, t models.LinkedInToken) (*models.User, error)
}

// TokenSource issues LinkedIn access tokens.
type TokenSource interface {
	RefreshToken(ctx context.Context) (string, error)
}

type Config struct {
	Posts     PostService
	Generator Generator
	Users     UserStore
	LinkedIn  TokenSource
	// UserID owns every post created through the API until real auth exists.
	UserID      int64
	Environment string
	// WSSecret gates non-loopback websocket clients; empty means loopback only.
	WSSecret string
}

type Handler struct {
	posts  PostService
	gen    Generator
	users  UserStore
	li     TokenSource
	userID int64
	env    string
	wsSec  string
	rt     *realtimeHub
}

func New(cfg Config) *Handler {
	return &Handler{
		posts:  cfg.Posts,
		gen:    cfg.Generator,
		users:  cfg.Users,
		li:     cfg.LinkedIn,
		userID: cfg.UserID,
		env:    cfg.Environment,
		wsSec:  strings.TrimSpace(cfg.WSSecret),
		rt:     newRealtimeHub(),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": h.env})
}

// writeServiceError maps lifecycle and collaborator errors onto HTTP statuses.
// resource names what a 404 reports as missing, e.g. "Post" or "User".
func writeServiceError(w http.ResponseWriter, resource, op string, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, resource+" not found")
	case errors.Is(err, publishing.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, openai.ErrGeneration), errors.Is(err, publishing.ErrPublish):
		log.Printf("[API] %s upstream_failed err=%v", op, err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("[API] %s failed err=%v", op, err)
		writeError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h == nil || h.posts == nil {
		writeError(w, http.StatusServiceUnavailable, "post service unavailable")
		return false
	}
	return true
}
