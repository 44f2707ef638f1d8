package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-stage-tracker/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-stage-tracker/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Log = zap.NewNop()
	os.Exit(m.Run())
}

func TestClient_GetLead_Success(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/api/v1/leads/12345", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": 12345,
			"status": "qualified",
			"name": "Acme Corp",
			"tags": ["inbound", "priority"],
			"campaign_id": "cmp-7",
			"channel": "webform",
			"region": "EMEA",
			"owner_name": "Dewi",
			"updated_at": 1717243200,
			"pipeline_id": 99
		}`)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "secret-token", 5*time.Second)
	require.NoError(t, err)

	lead, err := client.GetLead(context.Background(), "12345")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "12345", lead.ID)
	assert.Equal(t, "qualified", lead.Stage)
	assert.Equal(t, "Acme Corp", lead.Name)
	assert.Equal(t, []string{"inbound", "priority"}, lead.Tags)
	assert.Equal(t, "cmp-7", lead.CampaignID)
	assert.Equal(t, "webform", lead.Channel)
	assert.Equal(t, "EMEA", lead.Region)
	assert.Equal(t, "Dewi", lead.OwnerName)
	assert.Equal(t, time.Unix(1717243200, 0).UTC(), lead.UpdatedAt)
	// The full payload, including fields the view does not consume, survives for audit
	assert.Contains(t, string(lead.Raw), "pipeline_id")
}

func TestClient_GetLead_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "", 5*time.Second)
	require.NoError(t, err)

	lead, err := client.GetLead(context.Background(), "missing")
	assert.Nil(t, lead)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestClient_GetLead_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"id": "77", "status": "new"}`)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "", 5*time.Second)
	require.NoError(t, err)

	lead, err := client.GetLead(context.Background(), "77")
	require.NoError(t, err)
	assert.Equal(t, "new", lead.Stage)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestClient_GetLead_UnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "bad-token", 5*time.Second)
	require.NoError(t, err)

	_, err = client.GetLead(context.Background(), "42")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_GetLead_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": `)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "", 5*time.Second)
	require.NoError(t, err)

	_, err = client.GetLead(context.Background(), "42")
	assert.ErrorIs(t, err, apperrors.ErrCRM)
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient("", "token", time.Second)
	assert.Error(t, err)
}
