package models

import "time"

type PostStatus string

const (
	StatusDraft     PostStatus = "draft"
	StatusScheduled PostStatus = "scheduled"
	StatusPublished PostStatus = "published"
	StatusFailed    PostStatus = "failed"

	// StatusPublishing marks a post claimed by a publish attempt that has not committed yet.
	StatusPublishing PostStatus = "publishing"
)

func (s PostStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusPublished, StatusFailed, StatusPublishing:
		return true
	}
	return false
}

const DefaultTone = "professional"

type User struct {
	ID                    int64      `json:"id"`
	Username              string     `json:"username"`
	LinkedinAccessToken   *string    `json:"-"`
	LinkedinRefreshToken  *string    `json:"-"`
	LinkedinTokenExpiry   *time.Time `json:"linkedinTokenExpiry,omitempty"`
	WritingStyleSamples   *string    `json:"writingStyleSamples,omitempty"`
	DefaultTone           string     `json:"defaultTone"`
	AnalyzePostsByDefault bool       `json:"analyzePostsByDefault"`
	CreatedAt             time.Time  `json:"createdAt"`
}

// UserSettings is the writable subset of User exposed by the settings page.
type UserSettings struct {
	WritingStyleSamples   *string `json:"writingStyleSamples,omitempty"`
	DefaultTone           *string `json:"defaultTone,omitempty"`
	AnalyzePostsByDefault *bool   `json:"analyzePostsByDefault,omitempty"`
}

type Post struct {
	ID                   int64      `json:"id"`
	UserID               int64      `json:"userId"`
	Title                string     `json:"title"`
	Content              string     `json:"content"`
	Images               []string   `json:"images"`
	Status               PostStatus `json:"status"`
	EventDate            *time.Time `json:"eventDate,omitempty"`
	EventLocation        *string    `json:"eventLocation,omitempty"`
	EventDescription     *string    `json:"eventDescription,omitempty"`
	PeopleMetConnections *string    `json:"peopleMetConnections,omitempty"`
	TonePreference       *string    `json:"tonePreference,omitempty"`
	ScheduleDate         *time.Time `json:"scheduleDate,omitempty"`
	PublishedDate        *time.Time `json:"publishedDate,omitempty"`
	PublishError         *string    `json:"publishError,omitempty"`
	LastPublishJobID     *string    `json:"lastPublishJobId,omitempty"`
	LastPublishAttemptAt *time.Time `json:"lastPublishAttemptAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (p Post) Clone() Post {
	out := p
	if p.Images != nil {
		out.Images = append([]string(nil), p.Images...)
	}
	out.EventDate = cloneTime(p.EventDate)
	out.EventLocation = cloneString(p.EventLocation)
	out.EventDescription = cloneString(p.EventDescription)
	out.PeopleMetConnections = cloneString(p.PeopleMetConnections)
	out.TonePreference = cloneString(p.TonePreference)
	out.ScheduleDate = cloneTime(p.ScheduleDate)
	out.PublishedDate = cloneTime(p.PublishedDate)
	out.PublishError = cloneString(p.PublishError)
	out.LastPublishJobID = cloneString(p.LastPublishJobID)
	out.LastPublishAttemptAt = cloneTime(p.LastPublishAttemptAt)
	return out
}

type PostGeneration struct {
	ID               int64     `json:"id"`
	PostID           int64     `json:"postId"`
	GeneratedContent string    `json:"generatedContent"`
	AIPrompt         *string   `json:"aiPrompt,omitempty"`
	Hashtags         []string  `json:"hashtags"`
	CreatedAt        time.Time `json:"createdAt"`
}

// EventDetails is the wizard input handed to the generator.
type EventDetails struct {
	Title          string   `json:"title"`
	Date           string   `json:"date,omitempty"`
	Location       string   `json:"location,omitempty"`
	Description    string   `json:"description"`
	Connections    string   `json:"connections,omitempty"`
	Images         []string `json:"images,omitempty"`
	TonePreference string   `json:"tonePreference,omitempty"`
	AnalyzeStyle   *bool    `json:"analyzeStyle,omitempty"`
}

type GeneratedPost struct {
	Content  string   `json:"content"`
	Hashtags []string `json:"hashtags"`
}

// LinkedInToken is the credential pair stored on a user after connecting LinkedIn.
type LinkedInToken struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

type StyleAnalysis struct {
	WritingPatterns      string `json:"writingPatterns"`
	TonalCharacteristics string `json:"tonalCharacteristics"`
	VocabularyInsights   string `json:"vocabularyInsights"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
