package api

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/forkline/notifier/internal/model"
)

// GetUnacknowledgedOptions filter a missed-notification fetch.
type GetUnacknowledgedOptions struct {
	Since   time.Duration // Lookback window, truncated to whole hours (minimum 1h)
	Page    int
	PerPage int
}

// NotificationsResponse is the payload of GET /notifications/unacknowledged.
type NotificationsResponse struct {
	Notifications []model.Notification `json:"notifications"`
	Page          int                  `json:"page"`
	TotalPages    int                  `json:"total_pages"`
}

// GetUnacknowledged fetches one page of server-side notifications that have
// not been acknowledged, created within the lookback window.
func (c *Client) GetUnacknowledged(ctx context.Context, opts GetUnacknowledgedOptions) (*NotificationsResponse, error) {
	query := url.Values{}

	if opts.Since > 0 {
		hours := int(math.Ceil(opts.Since.Hours()))
		if hours < 1 {
			hours = 1
		}
		query.Set("since", strconv.Itoa(hours))
	}
	if opts.Page > 0 {
		query.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(opts.PerPage))
	}

	var resp NotificationsResponse
	if err := c.get(ctx, "/notifications/unacknowledged", query, &resp); err != nil {
		return nil, fmt.Errorf("get unacknowledged notifications: %w", err)
	}

	return &resp, nil
}

// GetAllUnacknowledged paginates through every unacknowledged notification
// within the lookback window.
func (c *Client) GetAllUnacknowledged(ctx context.Context, since time.Duration) ([]model.Notification, error) {
	var all []model.Notification
	opts := GetUnacknowledgedOptions{Since: since, Page: 1, PerPage: 100}

	for {
		resp, err := c.GetUnacknowledged(ctx, opts)
		if err != nil {
			return nil, err
		}

		all = append(all, resp.Notifications...)

		if resp.TotalPages == 0 || resp.Page >= resp.TotalPages {
			break
		}
		opts.Page = resp.Page + 1
	}

	return all, nil
}

// Acknowledge marks a notification as seen on the server.
func (c *Client) Acknowledge(ctx context.Context, id string) error {
	if err := c.post(ctx, "/notifications/"+url.PathEscape(id)+"/acknowledge"); err != nil {
		return fmt.Errorf("acknowledge notification %s: %w", id, err)
	}
	return nil
}
