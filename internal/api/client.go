package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"streampub/native/internal/domain"
	"streampub/native/internal/logging"

	"github.com/rs/zerolog"
)

type publishRequest struct {
	StreamName string `json:"streamName"`
}

type publishResponse struct {
	Status string                `json:"status"`
	Data   domain.ConnectionData `json:"data"`
	// Populated on error replies.
	Message string `json:"message"`
}

// Client exchanges a publish token for ingest connection data.
type Client struct {
	directorURL string
	http        *http.Client
	log         zerolog.Logger
}

// NewClient creates a director client for directorURL.
func NewClient(directorURL string) *Client {
	return &Client{
		directorURL: directorURL,
		http:        &http.Client{Timeout: 15 * time.Second},
		log:         logging.Component("api"),
	}
}

// FetchPublishData calls the director to obtain signaling endpoints, the
// publish JWT and ICE servers for streamName.
func (c *Client) FetchPublishData(ctx context.Context, token, streamName string) (*domain.ConnectionData, error) {
	body, err := json.Marshal(publishRequest{StreamName: streamName})
	if err != nil {
		return nil, fmt.Errorf("marshal publish request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.directorURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	c.log.Debug().Str("stream", streamName).Str("url", c.directorURL).Msg("requesting publish data")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var pubResp publishResponse
	if err := json.Unmarshal(respBody, &pubResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if pubResp.Status != "" && pubResp.Status != "success" {
		return nil, fmt.Errorf("director error (status=%s): %s", pubResp.Status, pubResp.Message)
	}
	if len(pubResp.Data.URLs) == 0 {
		return nil, fmt.Errorf("director returned no signaling urls")
	}
	if pubResp.Data.JWT == "" {
		return nil, fmt.Errorf("director returned no jwt")
	}

	return &pubResp.Data, nil
}
