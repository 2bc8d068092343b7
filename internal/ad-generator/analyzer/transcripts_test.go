package analyzer

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYouTubeTranscripts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/timedtext":
			if r.URL.Query().Get("lang") == "pt" {
				return
			}
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="utf-8" ?><transcript>` +
				`<text start="0" dur="2">Great phone,</text>` +
				`<text start="2" dur="2">I &amp;#39;love&amp;#39;
				 it</text></transcript>`))
		case "/oembed":
			_, _ = w.Write([]byte(`{"title":"Phone review","author_name":"Tech Channel"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	y := NewYouTubeTranscripts(0, slog.Default())
	y.BaseURL = srv.URL

	tr, err := y.Fetch(context.Background(), "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, "Great phone, I 'love' it", tr.Text)
	assert.Equal(t, "en", tr.Language)
	assert.Equal(t, "Phone review", tr.Title)
	assert.Equal(t, "Tech Channel", tr.Channel)
}

func TestYouTubeTranscripts_NoCaptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	y := NewYouTubeTranscripts(0, slog.Default())
	y.BaseURL = srv.URL

	tr, err := y.Fetch(context.Background(), "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Empty(t, tr.Text)
}
