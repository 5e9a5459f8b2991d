// ABOUTME: Tests for the HTTP sender
// ABOUTME: Covers request shape, success, permanent 4xx, and retryable 5xx

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSender_PostsDispatch(t *testing.T) {
	var gotPath string
	var gotBody dispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL+"/gm/", nil)
	err := s.Send(context.Background(), Op{
		ConversationID: "conv-1",
		AgentID:        "claude-code",
		Content:        "hello",
		IdempotencyKey: "k-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "/gm/api/conversations/conv-1/messages", gotPath)
	assert.Equal(t, "hello", gotBody.Content)
	assert.Equal(t, "claude-code", gotBody.AgentID)
	assert.Equal(t, "k-1", gotBody.IdempotencyKey)
}

func TestHTTPSender_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such conversation"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, nil)
	err := s.Send(context.Background(), Op{ConversationID: "missing"})
	require.Error(t, err)

	var perm *backoff.PermanentError
	assert.True(t, errors.As(err, &perm), "4xx must not be retried")
	assert.Contains(t, err.Error(), "no such conversation")
}

func TestHTTPSender_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, nil)
	err := s.Send(context.Background(), Op{ConversationID: "conv-1"})
	require.Error(t, err)

	var perm *backoff.PermanentError
	assert.False(t, errors.As(err, &perm), "5xx stays retryable")
}

func TestHTTPSender_ConnectionRefused(t *testing.T) {
	s := NewHTTPSender("http://127.0.0.1:1", nil)
	err := s.Send(context.Background(), Op{ConversationID: "conv-1"})
	require.Error(t, err)

	var perm *backoff.PermanentError
	assert.False(t, errors.As(err, &perm))
}
