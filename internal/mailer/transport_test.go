package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/apperr"
)

func TestHTTPTransport_Send(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-123", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(HTTPConfig{Endpoint: srv.URL, APIKey: "key-123", From: "noreply@example.com"})
	require.NoError(t, err)

	require.NoError(t, tr.Send(context.Background(), "a@example.com", "Welcome", "hi"))
	assert.Equal(t, sendRequest{From: "noreply@example.com", To: "a@example.com", Subject: "Welcome", Text: "hi"}, got)
}

func TestHTTPTransport_ProviderErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(HTTPConfig{Endpoint: srv.URL, From: "noreply@example.com"})
	require.NoError(t, err)

	err = tr.Send(context.Background(), "a@example.com", "s", "b")
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "429")
}

func TestNewHTTPTransport_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTPTransport(HTTPConfig{From: "noreply@example.com"})
	assert.True(t, apperr.IsConfiguration(err))
}
