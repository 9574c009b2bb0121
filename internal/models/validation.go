package models

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed or incomplete input. Nothing is persisted when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// ValidatePost checks the fields required before a post can be stored.
func ValidatePost(p *Post) error {
	if p == nil {
		return invalid("post", "is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return invalid("title", "is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return invalid("content", "is required")
	}
	if !p.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", p.Status))
	}
	if p.Status == StatusScheduled && p.ScheduleDate == nil {
		return invalid("scheduleDate", "is required when status=scheduled")
	}
	return nil
}

// Validate checks generator input and fills defaults.
func (d *EventDetails) Validate() error {
	d.Title = strings.TrimSpace(d.Title)
	d.Description = strings.TrimSpace(d.Description)
	if d.Title == "" {
		return invalid("title", "Title is required")
	}
	if len([]rune(d.Description)) < 10 {
		return invalid("description", "Please provide a detailed description")
	}
	if strings.TrimSpace(d.TonePreference) == "" {
		d.TonePreference = DefaultTone
	}
	if d.AnalyzeStyle == nil {
		v := true
		d.AnalyzeStyle = &v
	}
	return nil
}
