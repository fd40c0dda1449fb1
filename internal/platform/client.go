// Package platform calls the external video platform. Only the rename
// operation is consumed by the rotation core; everything else the platform
// offers is out of scope.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrRateLimited is returned when the platform rejects the call with 429.
var ErrRateLimited = errors.New("platform rate limited")

// Renamer changes a video's display title on the external platform.
type Renamer interface {
	Rename(ctx context.Context, videoID, title string) error
}

// Client is the HTTP implementation of Renamer.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type renameReq struct {
	Title string `json:"title"`
}

func (c *Client) Rename(ctx context.Context, videoID, title string) error {
	body, err := json.Marshal(renameReq{Title: title})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/videos/"+videoID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rename request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rename request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("rename HTTP %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
