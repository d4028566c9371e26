package whiteboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpacedeckProvisionerProvision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/spaces", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Spacedeck-API-Token"))
		_ = json.NewEncoder(w).Encode(createSpaceResponse{ID: "1", EditHash: "abc", EditSlug: "my-room"})
	}))
	defer srv.Close()

	p := NewSpacedeckProvisioner(srv.URL, "test-key")
	url, access, err := p.Provision(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/s/abc-my-room", url)
	assert.Equal(t, "edit", access)
}

func TestSpacedeckProvisionerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewSpacedeckProvisioner(srv.URL, "test-key")
	_, _, err := p.Provision(context.Background(), "room-1")
	assert.Error(t, err)
}
