package linkedin

import (
	"context"
	"log"
	"time"
)

const (
	DefaultPublishDelay = time.Second
	DefaultRefreshDelay = 500 * time.Millisecond

	// ConnectURL is where the connect endpoint sends users until OAuth is wired.
	ConnectURL = "https://linkedin.com/oauth"

	// TokenLifetime is how long a LinkedIn access token stays valid.
	TokenLifetime = 60 * 24 * time.Hour
)

// Client simulates the LinkedIn share API: it logs the share and sleeps for a fixed delay.
type Client struct {
	PublishDelay time.Duration
	RefreshDelay time.Duration
	Logger       *log.Logger
}

func NewClient(publishDelay time.Duration, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	if publishDelay < 0 {
		publishDelay = DefaultPublishDelay
	}
	return &Client{PublishDelay: publishDelay, RefreshDelay: DefaultRefreshDelay, Logger: logger}
}

func (c *Client) Publish(ctx context.Context, content string, images []string) error {
	c.Logger.Printf("[LinkedIn] publish_start contentLen=%d images=%d", len(content), len(images))
	if err := sleep(ctx, c.PublishDelay); err != nil {
		c.Logger.Printf("[LinkedIn] publish_aborted err=%v", err)
		return err
	}
	c.Logger.Printf("[LinkedIn] publish_ok")
	return nil
}

// RefreshToken returns a placeholder access token. The connect endpoint stores it on the user.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	c.Logger.Printf("[LinkedIn] refresh_token")
	if err := sleep(ctx, c.RefreshDelay); err != nil {
		return "", err
	}
	return "mock_refreshed_token", nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
