package challenge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySendsFormAndParsesVerdict(t *testing.T) {
	var gotPath, gotSecret, gotResponse, gotRemoteIP string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotPath = r.URL.Path
		gotSecret = r.PostFormValue("secret")
		gotResponse = r.PostFormValue("response")
		gotRemoteIP = r.PostFormValue("remoteip")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Verdict{Success: true, Score: 0.9})
	}))
	defer srv.Close()

	c := NewClient("secret-key", WithBaseURL(srv.URL))
	verdict, err := c.Verify(context.Background(), "token-123", "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, "/turnstile/v0/siteverify", gotPath)
	assert.Equal(t, "secret-key", gotSecret)
	assert.Equal(t, "token-123", gotResponse)
	assert.Equal(t, "10.0.0.1", gotRemoteIP)
	assert.True(t, verdict.Success)
	assert.InDelta(t, 0.9, verdict.Score, 0.001)
}

func TestVerifyOmitsEmptyRemoteIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		_, present := r.PostForm["remoteip"]
		assert.False(t, present)
		json.NewEncoder(w).Encode(Verdict{Success: true})
	}))
	defer srv.Close()

	c := NewClient("secret-key", WithBaseURL(srv.URL))
	_, err := c.Verify(context.Background(), "token", "")
	require.NoError(t, err)
}

func TestVerifyParsesErrorCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	c := NewClient("secret-key", WithBaseURL(srv.URL))
	verdict, err := c.Verify(context.Background(), "bad-token", "")
	require.NoError(t, err)
	assert.False(t, verdict.Success)
	assert.Equal(t, []string{"invalid-input-response"}, verdict.Errors)
}

func TestVerifyNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient("secret-key", WithBaseURL(srv.URL))
	_, err := c.Verify(context.Background(), "token", "")
	assert.Error(t, err)
}

func TestVerifyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient("secret-key", WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))
	_, err := c.Verify(context.Background(), "token", "")
	assert.Error(t, err)
}
