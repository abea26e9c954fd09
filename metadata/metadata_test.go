package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T, token string) *httptest.Server {
	t.Helper()
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	router := mux.NewRouter()
	router.HandleFunc("/api/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id := mux.Vars(r)["id"]
		if id == "missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":         id,
			"title":      "Quarterly report",
			"updated_at": updated.Format(time.RFC3339),
		})
	}).Methods(http.MethodGet)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	srv := newAPI(t, "")
	c := &Client{BaseURL: srv.URL + "/api/"}

	doc, err := c.Fetch(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", doc.ID)
	assert.Equal(t, "Quarterly report", doc.Title)
	assert.True(t, doc.UpdatedAt.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestFetchSendsToken(t *testing.T) {
	srv := newAPI(t, "s3cret")

	_, err := (&Client{BaseURL: srv.URL + "/api"}).Fetch(context.Background(), "doc-1")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = (&Client{BaseURL: srv.URL + "/api", Token: "s3cret"}).Fetch(context.Background(), "doc-1")
	assert.NoError(t, err)
}

func TestFetchNotFound(t *testing.T) {
	srv := newAPI(t, "")
	_, err := (&Client{BaseURL: srv.URL + "/api"}).Fetch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchRequiresBaseURL(t *testing.T) {
	_, err := (&Client{}).Fetch(context.Background(), "doc-1")
	assert.Error(t, err)
}

func TestFormatUpdatedAt(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "now"},
		{-time.Minute, "now"},
		{500 * time.Millisecond, "now"},
		{time.Second, "1 second ago"},
		{42 * time.Second, "42 seconds ago"},
		{time.Minute, "1 minute ago"},
		{59 * time.Minute, "59 minutes ago"},
		{time.Hour, "1 hour ago"},
		{23 * time.Hour, "23 hours ago"},
		{24 * time.Hour, "1 day ago"},
		{9 * 24 * time.Hour, "9 days ago"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUpdatedAt(now.Add(-tt.ago), now), tt.ago.String())
	}
}
