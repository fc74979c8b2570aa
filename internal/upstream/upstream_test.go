package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/qgov/internal/keystore"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:           srv.URL,
		TokenURL:          srv.URL + "/oauth/token",
		ClientID:          "client-x",
		Timeout:           2 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}).WithClock(func() time.Time { return fixedNow })
}

func TestCheckKeyHealthOK(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UsagePath, r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, BetaHeader, r.Header.Get("anthropic-beta"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{
			"five_hour": {"utilization": 42.5, "resets_at": "2026-03-01T15:00:00Z"},
			"seven_day": {"utilization": 12, "resets_at": "2026-03-05T00:00:00Z"},
			"seven_day_sonnet": {"utilization": 3, "resets_at": null}
		}`))
	})

	res := c.CheckKeyHealth(context.Background(), "tok")
	require.True(t, res.Valid, "error: %s", res.Error)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 42.5, res.Usage.FiveHour)
	assert.Equal(t, 12.0, res.Usage.SevenDay)
	assert.Equal(t, 3.0, res.Usage.SevenDaySonnet)
	require.NotNil(t, res.Usage.FiveHourResetAt)
	assert.Equal(t, time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC).UnixMilli(), *res.Usage.FiveHourResetAt)
	assert.Equal(t, fixedNow.UnixMilli(), res.Usage.CheckedAt)
}

func TestCheckKeyHealthErrorTags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{http.StatusUnauthorized, `{}`, keystore.ErrTagUnauthorized},
		{http.StatusForbidden, `{}`, keystore.ErrTagUnauthorized},
		{http.StatusTooManyRequests, `{}`, "http_429"},
		{http.StatusInternalServerError, `oops`, "http_500"},
		{http.StatusOK, `not json`, ErrTagBadResponse},
		{http.StatusOK, `{}`, ErrTagBadResponse},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			res := c.CheckKeyHealth(context.Background(), "tok")
			assert.False(t, res.Valid)
			assert.Equal(t, tt.want, res.Error)
		})
	}
}

func TestCheckKeyHealthTimeoutIsNetwork(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	res := c.CheckKeyHealth(context.Background(), "tok")
	assert.False(t, res.Valid)
	assert.Equal(t, keystore.ErrTagNetwork, res.Error)
}

func TestRefreshExpiredToken(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req refreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refresh_token", req.GrantType)
		assert.Equal(t, "rt-1", req.RefreshToken)
		assert.Equal(t, "client-x", req.ClientID)
		_, _ = w.Write([]byte(`{"access_token":"at-2","expires_in":3600}`))
	})

	rec := &keystore.KeyRecord{ID: "abc", RefreshToken: "rt-1", AccountUUID: "u-1"}
	res := c.RefreshExpiredToken(context.Background(), rec)
	require.Equal(t, RefreshOK, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, "at-2", res.Credentials.AccessToken)
	assert.Equal(t, "rt-1", res.Credentials.RefreshToken, "refresh token kept when omitted")
	assert.Equal(t, "u-1", res.Credentials.AccountUUID)
	require.NotNil(t, res.Credentials.ExpiresAt)
	assert.Equal(t, fixedNow.Add(time.Hour).UnixMilli(), *res.Credentials.ExpiresAt)
}

func TestRefreshOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   RefreshOutcome
	}{
		{"revoked", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"revoked"}`, RefreshInvalidGrant},
		{"other oauth error", http.StatusBadRequest, `{"error":"invalid_client"}`, RefreshFailed},
		{"server error", http.StatusBadGateway, `{"error":"invalid_grant"}`, RefreshFailed},
		{"missing token", http.StatusOK, `{"expires_in":10}`, RefreshFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			res := c.RefreshExpiredToken(context.Background(), &keystore.KeyRecord{RefreshToken: "rt"})
			assert.Equal(t, tt.want, res.Outcome)
			assert.Nil(t, res.Credentials)
		})
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	t.Parallel()
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	res := c.RefreshExpiredToken(context.Background(), &keystore.KeyRecord{AccessToken: "a"})
	assert.Equal(t, RefreshFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrNoRefreshToken)
}

func TestFetchProfile(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ProfilePath, r.URL.Path)
		_, _ = w.Write([]byte(`{"account":{"uuid":"acct-1","email_address":"ops@example.com"}}`))
	})
	p, err := c.FetchProfile(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, Profile{AccountUUID: "acct-1", AccountEmail: "ops@example.com"}, p)
}
