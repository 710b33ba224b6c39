package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-sendqueue/internal/job"
	"github.com/campaign-sendqueue/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret-token", time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestControlAccepted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/campaigns/7/start", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, types.Accepted("Campaign started", map[string]interface{}{"recipients": 3}))
	})

	res, err := c.Control(7, "start")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "Campaign started", res.Message)
}

func TestControlRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, types.Rejected("campaign is paused"))
	})

	res, err := c.Control(7, "send-now")
	assert.ErrorIs(t, err, ErrRejected)
	require.NotNil(t, res)
	assert.Equal(t, "campaign is paused", res.Message)
}

func TestAPIErrorDecoded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]interface{}{"code": "NOT_FOUND", "message": "campaign not found"},
		})
	})

	_, err := c.Progress(99)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "campaign not found", apiErr.Message)
}

func TestFailuresSendsLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/campaigns/3/failures", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"campaignId": 3,
			"failures": []map[string]interface{}{
				{"queueItemId": 1, "email": "a@example.com", "attempts": 5, "errorMessage": "550 mailbox unavailable"},
			},
		})
	})

	out, err := c.Failures(3, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.CampaignID)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "a@example.com", out.Failures[0].Email)
	assert.Equal(t, 5, out.Failures[0].Attempts)
}

func TestProcessPostsRunOptions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var in job.RunOptions
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, 20, in.BatchSize)
		if assert.NotNil(t, in.CampaignID) {
			assert.Equal(t, int64(4), *in.CampaignID)
		}
		writeJSON(w, http.StatusOK, job.BatchResult{ClaimToken: "tok", Claimed: 2, Sent: 2})
	})

	id := int64(4)
	res, err := c.Process(job.RunOptions{BatchSize: 20, CampaignID: &id})
	require.NoError(t, err)
	assert.Equal(t, "tok", res.ClaimToken)
	assert.Equal(t, 2, res.Sent)
}
