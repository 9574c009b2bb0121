package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PortNumber53/event-post-assistant/internal/models"
	"github.com/PortNumber53/event-post-assistant/internal/publishing"
)

type createPostRequest struct {
	Title                string                       `json:"title"`
	Content              string                       `json:"content"`
	Images               []string                     `json:"images,omitempty"`
	EventDate            string                       `json:"eventDate,omitempty"`
	EventLocation        string                       `json:"eventLocation,omitempty"`
	EventDescription     string                       `json:"eventDescription,omitempty"`
	PeopleMetConnections string                       `json:"peopleMetConnections,omitempty"`
	TonePreference       string                       `json:"tonePreference,omitempty"`
	ScheduleDate         string                       `json:"scheduleDate,omitempty"`
	Generation           *publishing.GenerationRecord `json:"generation,omitempty"`
}

type publishFailedResponse struct {
	Error string       `json:"error"`
	Post  *models.Post `json:"post,omitempty"`
}

// CreatePost accepts either multipart/form-data (a "post" JSON field plus "images" files) or a JSON body
// with base64 images. Without scheduleDate the post is published before the response is written.
func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req createPostRequest
	if isMultipart(r) {
		if err := parseMultipart(r); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		raw := r.FormValue("post")
		if strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusBadRequest, "post is required")
			return
		}
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid post json: "+err.Error())
			return
		}
		images, err := readImages(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Images = images
	} else {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := checkBase64Images(req.Images); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	eventDate, err := parseTimeField(req.EventDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "eventDate: "+err.Error())
		return
	}
	scheduleDate, err := parseTimeField(req.ScheduleDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scheduleDate: "+err.Error())
		return
	}

	draft := publishing.PostDraft{
		UserID:               h.userID,
		Title:                req.Title,
		Content:              req.Content,
		Images:               req.Images,
		EventDate:            eventDate,
		EventLocation:        optionalString(req.EventLocation),
		EventDescription:     optionalString(req.EventDescription),
		PeopleMetConnections: optionalString(req.PeopleMetConnections),
		TonePreference:       optionalString(req.TonePreference),
		Generation:           req.Generation,
	}

	post, err := h.posts.CreateOrSchedulePost(r.Context(), draft, scheduleDate)
	if err != nil {
		if errors.Is(err, publishing.ErrPublish) && post != nil {
			writeJSON(w, http.StatusBadGateway, publishFailedResponse{Error: err.Error(), Post: post})
			return
		}
		writeServiceError(w, "User", "create post", err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

// GeneratePost drafts content from event details. Nothing is persisted.
func (h *Handler) GeneratePost(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.gen == nil {
		writeError(w, http.StatusServiceUnavailable, "generator unavailable")
		return
	}
	var details models.EventDetails
	var images []string
	if isMultipart(r) {
		if err := parseMultipart(r); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		raw := r.FormValue("details")
		if strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusBadRequest, "Event details are required")
			return
		}
		if err := json.Unmarshal([]byte(raw), &details); err != nil {
			writeError(w, http.StatusBadRequest, "invalid details json: "+err.Error())
			return
		}
		var err error
		if images, err = readImages(r); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		if err := decodeJSON(r, &details); err != nil {
			writeError(w, http.StatusBadRequest, "Event details are required")
			return
		}
		if err := checkBase64Images(details.Images); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		images = details.Images
		details.Images = nil
	}
	if err := details.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.gen.GeneratePost(r.Context(), details, images)
	if err != nil {
		writeServiceError(w, "Post", "generate post content", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	posts, err := h.posts.ListPosts(r.Context())
	if err != nil {
		writeServiceError(w, "Post", "fetch posts", err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (h *Handler) ListScheduledPosts(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	posts, err := h.posts.ListScheduledPosts(r.Context())
	if err != nil {
		writeServiceError(w, "Post", "fetch scheduled posts", err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	post, err := h.posts.GetPost(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Post", "fetch post", err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.posts.DeletePost(r.Context(), id); err != nil {
		writeServiceError(w, "Post", "delete post", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelSchedule moves a scheduled post back to draft.
func (h *Handler) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	post, err := h.posts.CancelSchedule(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Post", "cancel scheduled post", err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

type republishRequest struct {
	ScheduleDate string `json:"scheduleDate,omitempty"`
}

func (h *Handler) RepublishPost(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req republishRequest
	if r.Body != nil {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	scheduleDate, err := parseTimeField(req.ScheduleDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scheduleDate: "+err.Error())
		return
	}

	post, err := h.posts.RepublishPost(r.Context(), id, scheduleDate)
	if err != nil {
		if errors.Is(err, publishing.ErrPublish) && post != nil {
			writeJSON(w, http.StatusBadGateway, publishFailedResponse{Error: err.Error(), Post: post})
			return
		}
		writeServiceError(w, "Post", "publish post", err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handler) ListPostGenerations(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	gens, err := h.posts.ListPostGenerations(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Post", "fetch generations", err)
		return
	}
	writeJSON(w, http.StatusOK, gens)
}

// checkBase64Images applies the multipart upload limits to images sent inline as base64.
func checkBase64Images(images []string) error {
	if len(images) > maxUploadFiles {
		return &uploadError{msg: fmt.Sprintf("too many files (max %d)", maxUploadFiles)}
	}
	for i, img := range images {
		b, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return &uploadError{msg: fmt.Sprintf("images[%d]: invalid base64", i)}
		}
		if len(b) > maxUploadPerFile {
			return &uploadError{msg: fmt.Sprintf("images[%d]: too large (max 5MB per file)", i)}
		}
		if err := checkImage(b); err != nil {
			return &uploadError{msg: fmt.Sprintf("images[%d]: %v", i, err)}
		}
	}
	return nil
}
