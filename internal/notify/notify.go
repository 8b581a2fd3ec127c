// Package notify pushes operator alerts over an ntfy-compatible endpoint
// when the poll loop fails for a sustained streak. It fills the
// observability collaborator slot; nothing in the sync engine depends on
// its success.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/syncbridge/sessionsync/internal/config"
)

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     config.NotifyConfig
	logger     *zap.Logger
}

func NewClient(cfg config.NotifyConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// PollFailing reports a sustained poll failure streak.
func (c *Client) PollFailing(ctx context.Context, consecutive int, err error) {
	title := "Upstream polling failing"
	message := fmt.Sprintf("%d consecutive poll cycles have failed.\nLast error: %v", consecutive, err)
	c.send(ctx, title, message, c.config.Tags+",warning")
}

// PollRecovered reports that polling succeeded again after a failure streak.
func (c *Client) PollRecovered(ctx context.Context, afterFailures int) {
	title := "Upstream polling recovered"
	message := fmt.Sprintf("Polling recovered after %d failed cycles.", afterFailures)
	c.send(ctx, title, message, c.config.Tags+",white_check_mark")
}

func (c *Client) send(ctx context.Context, title, message, tags string) {
	if !c.config.Enabled {
		return
	}

	url := strings.TrimSuffix(c.config.ServerURL, "/") + "/" + c.config.Topic

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		c.logger.Warn("building notification request failed", zap.Error(err))
		return
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", c.config.Priority)
	req.Header.Set("Tags", tags)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("sending notification failed", zap.Error(err))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("notification rejected",
			zap.Int("status", resp.StatusCode),
		)
		return
	}

	c.logger.Info("notification sent", zap.String("title", title))
}
