package whiteboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

// SpacedeckProvisioner is a Provisioner backed by a real Spacedeck
// instance's REST API (POST /api/spaces).
type SpacedeckProvisioner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSpacedeckProvisioner builds a Provisioner against a Spacedeck
// instance reachable at baseURL, authenticated with apiKey.
func NewSpacedeckProvisioner(baseURL, apiKey string) *SpacedeckProvisioner {
	return &SpacedeckProvisioner{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type createSpaceRequest struct {
	Name string `json:"name"`
}

type createSpaceResponse struct {
	ID       string `json:"id"`
	EditHash string `json:"edit_hash"`
	EditSlug string `json:"edit_slug"`
}

// Provision creates a new space for room and returns its collaborative
// editing URL. Spacedeck has no distinct read-only access level, so every
// participant gets "edit".
func (p *SpacedeckProvisioner) Provision(ctx context.Context, room types.RoomID) (url, accessLevel string, err error) {
	body, err := json.Marshal(createSpaceRequest{Name: string(room)})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/spaces", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Spacedeck-API-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("spacedeck: create space: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("spacedeck: create space: unexpected status %d", resp.StatusCode)
	}

	var out createSpaceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("spacedeck: create space: decode: %w", err)
	}

	return fmt.Sprintf("%s/s/%s-%s", p.baseURL, out.EditHash, out.EditSlug), "edit", nil
}
