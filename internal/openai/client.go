package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/PortNumber53/event-post-assistant/internal/models"
)

var ErrGeneration = errors.New("generation failed")

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o"
)

const systemWriter = "You are a professional LinkedIn content writer who specializes in creating authentic, engaging posts that sound like they were written by a real person, not AI. You match the user's writing style and tone preferences."

const systemAnalyst = "You are a linguistic analyst specializing in identifying writing patterns and styles. Analyze the provided writing samples and extract key characteristics that define the author's unique style."

const imagePrompt = "Analyze this image and provide a brief description of what it shows related to a professional event or achievement. Focus on people, setting, activities, and any text visible."

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// RPS caps outbound requests per second; zero means unlimited.
	RPS float64
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	apiKey  string
	baseURL string
	model   string

	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = log.Default()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    base,
		model:      model,
		httpClient: httpClient,
		limiter:    lim,
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// GeneratePost drafts a post from event details. The first image, when present, is described
// by the model and folded into the prompt; a failed description is ignored.
func (c *Client) GeneratePost(ctx context.Context, details models.EventDetails, images []string) (*models.GeneratedPost, error) {
	analysis := ""
	if len(images) > 0 {
		a, err := c.analyzeImage(ctx, images[0])
		if err != nil {
			c.logger.Printf("[OpenAI] image_analysis_failed err=%v", err)
		} else {
			analysis = a
		}
	}

	temp := 0.7
	raw, err := c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemWriter},
			{Role: "user", Content: BuildPostPrompt(details, analysis)},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
		Temperature:    &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	var out models.GeneratedPost
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: invalid json content: %v", ErrGeneration, err)
	}
	if out.Hashtags == nil {
		out.Hashtags = []string{}
	}
	return &out, nil
}

func (c *Client) AnalyzeWritingStyle(ctx context.Context, samples string) (*models.StyleAnalysis, error) {
	prompt := "Analyze the following writing samples and provide insights about the author's writing style, tone, vocabulary, and patterns. Format your response as JSON.\n\n" +
		"Samples:\n" + samples + "\n\n" +
		"Return a JSON object with:\n" +
		"{\n" +
		"  \"writingPatterns\": \"Detailed analysis of sentence structure, paragraph length, transitions, etc.\",\n" +
		"  \"tonalCharacteristics\": \"Analysis of the emotional tone, formality level, etc.\",\n" +
		"  \"vocabularyInsights\": \"Notes on word choice, industry jargon, and distinctive phrases\"\n" +
		"}"

	raw, err := c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemAnalyst},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	var out models.StyleAnalysis
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: invalid json content: %v", ErrGeneration, err)
	}
	return &out, nil
}

func (c *Client) analyzeImage(ctx context.Context, b64 string) (string, error) {
	return c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: imagePrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + b64}},
			},
		}},
		MaxTokens: 300,
	})
}

// BuildPostPrompt renders the user prompt for GeneratePost. Empty optional fields are left out.
func BuildPostPrompt(d models.EventDetails, imageAnalysis string) string {
	tone := strings.TrimSpace(d.TonePreference)
	if tone == "" {
		tone = models.DefaultTone
	}
	var b strings.Builder
	b.WriteString("Generate a LinkedIn post about an event or achievement with the following details:\n\n")
	fmt.Fprintf(&b, "Event Title: %s\n", d.Title)
	if d.Date != "" {
		fmt.Fprintf(&b, "Date: %s\n", d.Date)
	}
	if d.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", d.Location)
	}
	if d.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", d.Description)
	}
	if d.Connections != "" {
		fmt.Fprintf(&b, "People/Companies: %s\n", d.Connections)
	}
	fmt.Fprintf(&b, "Tone Preference: %s\n", tone)
	if imageAnalysis != "" {
		fmt.Fprintf(&b, "\nImage Analysis: %s\n", imageAnalysis)
	}
	b.WriteString("\nCreate a LinkedIn post that:\n")
	b.WriteString("1. Sounds natural and conversational, not like AI-generated content\n")
	fmt.Fprintf(&b, "2. Uses a %s tone\n", tone)
	b.WriteString("3. Is personal and includes first-person perspective\n")
	b.WriteString("4. Includes 2-4 relevant hashtags\n")
	b.WriteString("5. Keeps paragraphs concise and spaced out for readability\n")
	b.WriteString("6. Makes specific references to the event details\n")
	b.WriteString("7. Mentions connections/people met if provided\n")
	b.WriteString("8. Is between 150-250 words\n")
	b.WriteString("9. Includes emojis sparingly if appropriate\n\n")
	b.WriteString("Return a JSON object with format:\n{\n  \"content\": \"The full text of the LinkedIn post\",\n  \"hashtags\": [\"array\", \"of\", \"hashtags\"]\n}\n")
	return b.String()
}

func (c *Client) complete(ctx context.Context, reqBody chatRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	c.logger.Printf("[OpenAI] chat_completion model=%s status=%d dur=%s", reqBody.Model, res.StatusCode, time.Since(start).Truncate(time.Millisecond))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("openai_non_2xx status=%d body=%s", res.StatusCode, truncate(string(resBody), 600))
	}

	var parsed chatResponse
	if err := json.Unmarshal(resBody, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai_no_choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "...(truncated)"
}
