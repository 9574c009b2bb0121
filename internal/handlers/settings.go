package handlers

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/event-post-assistant/internal/linkedin"
	"github.com/PortNumber53/event-post-assistant/internal/models"
)

type settingsView struct {
	WritingStyleSamples   string `json:"writingStyleSamples"`
	DefaultTone           string `json:"defaultTone"`
	AnalyzePostsByDefault bool   `json:"analyzePostsByDefault"`
}

func newSettingsView(u *models.User) settingsView {
	v := settingsView{DefaultTone: u.DefaultTone, AnalyzePostsByDefault: u.AnalyzePostsByDefault}
	if u.WritingStyleSamples != nil {
		v.WritingStyleSamples = *u.WritingStyleSamples
	}
	return v
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.users == nil {
		writeError(w, http.StatusServiceUnavailable, "settings unavailable")
		return
	}
	u, err := h.users.GetUser(r.Context(), h.userID)
	if err != nil {
		writeServiceError(w, "User", "load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, newSettingsView(u))
}

func (h *Handler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.users == nil {
		writeError(w, http.StatusServiceUnavailable, "settings unavailable")
		return
	}
	var in models.UserSettings
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := h.users.UpdateUserSettings(r.Context(), h.userID, in)
	if err != nil {
		writeServiceError(w, "User", "save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": newSettingsView(u)})
}

type analyzeStyleRequest struct {
	Samples string `json:"samples"`
}

func (h *Handler) AnalyzeStyle(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.gen == nil {
		writeError(w, http.StatusServiceUnavailable, "generator unavailable")
		return
	}
	var req analyzeStyleRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Samples) == "" {
		writeError(w, http.StatusBadRequest, "Writing samples are required")
		return
	}
	out, err := h.gen.AnalyzeWritingStyle(r.Context(), req.Samples)
	if err != nil {
		writeServiceError(w, "User", "analyze writing style", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// LinkedInConnect stands in for the OAuth round trip: it obtains a token from the LinkedIn client
// and stores it on the demo user.
func (h *Handler) LinkedInConnect(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.users == nil || h.li == nil {
		writeError(w, http.StatusServiceUnavailable, "linkedin unavailable")
		return
	}
	token, err := h.li.RefreshToken(r.Context())
	if err != nil {
		log.Printf("[LinkedIn] connect_failed userId=%d err=%v", h.userID, err)
		writeError(w, http.StatusBadGateway, "Failed to connect LinkedIn")
		return
	}
	u, err := h.users.UpdateLinkedInToken(r.Context(), h.userID, models.LinkedInToken{
		AccessToken: token,
		Expiry:      time.Now().Add(linkedin.TokenLifetime),
	})
	if err != nil {
		writeServiceError(w, "User", "store linkedin token", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"connected":   true,
		"redirectUrl": linkedin.ConnectURL,
		"expiresAt":   u.LinkedinTokenExpiry,
	})
}

func (h *Handler) LinkedInStatus(w http.ResponseWriter, r *http.Request) {
	connected := false
	if h != nil && h.users != nil {
		if u, err := h.users.GetUser(r.Context(), h.userID); err == nil {
			connected = u.LinkedinAccessToken != nil && *u.LinkedinAccessToken != "" &&
				(u.LinkedinTokenExpiry == nil || u.LinkedinTokenExpiry.After(time.Now()))
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}
