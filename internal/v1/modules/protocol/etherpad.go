package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ricoschulte/opentalk-controller-sub002/internal/v1/types"
)

// EtherpadProvisioner is a Provisioner backed by a real Etherpad instance's
// HTTP API (createGroupIfNotExistsFor / createGroupPad / createSession).
type EtherpadProvisioner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewEtherpadProvisioner builds a Provisioner against an Etherpad instance
// reachable at baseURL, authenticated with apiKey.
func NewEtherpadProvisioner(baseURL, apiKey string) *EtherpadProvisioner {
	return &EtherpadProvisioner{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type etherpadResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *EtherpadProvisioner) call(ctx context.Context, apiPath string, params url.Values) (json.RawMessage, error) {
	params.Set("apikey", p.apiKey)
	reqURL := p.baseURL + "/api/1/" + apiPath + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("etherpad: %s: %w", apiPath, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out etherpadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("etherpad: %s: decode: %w", apiPath, err)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("etherpad: %s: %s", apiPath, out.Message)
	}
	return out.Data, nil
}

// Provision creates (or reuses) a group pad for room and returns its
// read/write URLs. Etherpad has no separate read-only rendering for the
// JSON API beyond the read-only pad id, so read and write resolve to the
// same pad with session-scoped access controlled by SessionToken.
func (p *EtherpadProvisioner) Provision(ctx context.Context, room types.RoomID) (readURL, writeURL string, err error) {
	groupData, err := p.call(ctx, "createGroupIfNotExistsFor", url.Values{"groupMapper": {string(room)}})
	if err != nil {
		return "", "", err
	}
	var group struct {
		GroupID string `json:"groupID"`
	}
	if err := json.Unmarshal(groupData, &group); err != nil {
		return "", "", fmt.Errorf("etherpad: parse group id: %w", err)
	}

	padData, err := p.call(ctx, "createGroupPad", url.Values{"groupID": {group.GroupID}, "padName": {"notes"}})
	if err != nil {
		return "", "", err
	}
	var pad struct {
		PadID string `json:"padID"`
	}
	_ = json.Unmarshal(padData, &pad) // createGroupPad returns {} on success; padID is deterministic below
	padID := group.GroupID + "$notes"
	if pad.PadID != "" {
		padID = pad.PadID
	}

	readOnlyData, err := p.call(ctx, "getReadOnlyID", url.Values{"padID": {padID}})
	if err != nil {
		return "", "", err
	}
	var readOnly struct {
		ReadOnlyID string `json:"readOnlyID"`
	}
	if err := json.Unmarshal(readOnlyData, &readOnly); err != nil {
		return "", "", fmt.Errorf("etherpad: parse read-only id: %w", err)
	}

	return p.baseURL + "/p/" + readOnly.ReadOnlyID, p.baseURL + "/p/" + padID, nil
}

// SessionToken mints a per-participant Etherpad author and session,
// scoped to the document's group.
func (p *EtherpadProvisioner) SessionToken(ctx context.Context, room types.RoomID, participant types.ParticipantID) (string, error) {
	authorData, err := p.call(ctx, "createAuthorIfNotExistsFor", url.Values{"authorMapper": {string(participant)}})
	if err != nil {
		return "", err
	}
	var author struct {
		AuthorID string `json:"authorID"`
	}
	if err := json.Unmarshal(authorData, &author); err != nil {
		return "", fmt.Errorf("etherpad: parse author id: %w", err)
	}

	groupData, err := p.call(ctx, "createGroupIfNotExistsFor", url.Values{"groupMapper": {string(room)}})
	if err != nil {
		return "", err
	}
	var group struct {
		GroupID string `json:"groupID"`
	}
	if err := json.Unmarshal(groupData, &group); err != nil {
		return "", fmt.Errorf("etherpad: parse group id: %w", err)
	}

	validUntil := time.Now().Add(24 * time.Hour).Unix()
	sessionData, err := p.call(ctx, "createSession", url.Values{
		"groupID":    {group.GroupID},
		"authorID":   {author.AuthorID},
		"validUntil": {fmt.Sprintf("%d", validUntil)},
	})
	if err != nil {
		return "", err
	}
	var session struct {
		SessionID string `json:"sessionID"`
	}
	if err := json.Unmarshal(sessionData, &session); err != nil {
		return "", fmt.Errorf("etherpad: parse session id: %w", err)
	}
	return session.SessionID, nil
}
