// Package oracle_client talks to the external difference-oracle service,
// which knows the planted difference regions for every image pair.
package oracle_client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/playgrid/spotdiff/clients"
	"github.com/playgrid/spotdiff/internal/models"
)

const (
	LookupEndpoint = "/differences/lookup"
	ImagesEndpoint = "/images"

	APIKeyHeader = "X-API-Key"
)

// Client implements game.Oracle over the oracle service's HTTP API.
type Client struct {
	*clients.BaseClient
}

func NewClient(baseURL, apiKey string) *Client {
	client := &Client{
		BaseClient: clients.NewBaseClient(baseURL),
	}
	if apiKey != "" {
		client.SetHeader(APIKeyHeader, apiKey)
	}
	return client
}

type lookupRequest struct {
	ImageID string `json:"image_id"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
}

type lookupResponse struct {
	RegionID string         `json:"region_id"`
	Pixels   []models.Point `json:"pixels"`
}

// FindRegion returns the difference region containing pt, or nil on a miss.
func (c *Client) FindRegion(ctx context.Context, imageID string, pt models.Point) (*models.Region, error) {
	body, err := json.Marshal(lookupRequest{ImageID: imageID, X: pt.X, Y: pt.Y})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lookup request: %w", err)
	}

	data, err := c.Post(ctx, LookupEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("oracle lookup failed: %w", err)
	}

	var resp lookupResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lookup response: %w", err)
	}
	if resp.RegionID == "" {
		return nil, nil
	}
	return &models.Region{ID: resp.RegionID, Pixels: resp.Pixels}, nil
}

type imageResponse struct {
	ImageID          string `json:"image_id"`
	TotalDifferences int    `json:"total_differences"`
}

// DifferenceCount returns the number of planted differences for an image pair.
func (c *Client) DifferenceCount(ctx context.Context, imageID string) (int, error) {
	data, err := c.Get(ctx, fmt.Sprintf("%s/%s", ImagesEndpoint, imageID))
	if err != nil {
		return 0, fmt.Errorf("oracle image lookup failed: %w", err)
	}

	var resp imageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("failed to unmarshal image response: %w", err)
	}
	if resp.TotalDifferences <= 0 {
		return 0, fmt.Errorf("image %s has no differences", imageID)
	}
	return resp.TotalDifferences, nil
}
