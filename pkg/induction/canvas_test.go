package induction

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membermatters/billing/pkg/billing"
)

func newTestCanvas(t *testing.T, handler http.HandlerFunc) *Canvas {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewCanvas(Config{BaseURL: srv.URL + "/", Token: "canvas-token", CourseID: "42", HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c
}

func TestNewCanvas_Validation(t *testing.T) {
	_, err := NewCanvas(Config{BaseURL: "https://canvas.example.com", CourseID: "42"})
	assert.ErrorIs(t, err, billing.ErrConfiguration)
}

func TestCanvas_InductionScore(t *testing.T) {
	var gotPath, gotAuth, gotSearch string
	c := newTestCanvas(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotSearch = r.URL.Query().Get("search_term")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"email":"ada.lovelace@example.com","enrollments":[{"type":"StudentEnrollment","grades":{"current_score":100}}]},
			{"email":"ada@example.com","enrollments":[
				{"type":"TeacherEnrollment","grades":{"current_score":100}},
				{"type":"StudentEnrollment","grades":{"current_score":87.5}}
			]}
		]`))
	})

	score, err := c.InductionScore(context.Background(), &billing.Member{ID: "m1", Email: "Ada@example.com"})
	require.NoError(t, err)
	assert.InDelta(t, 87.5, score, 0.001)
	assert.Equal(t, "/api/v1/courses/42/users", gotPath)
	assert.Equal(t, "Bearer canvas-token", gotAuth)
	assert.Equal(t, "Ada@example.com", gotSearch)
}

func TestCanvas_InductionScoreNotEnrolled(t *testing.T) {
	c := newTestCanvas(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	score, err := c.InductionScore(context.Background(), &billing.Member{ID: "m1", Email: "ada@example.com"})
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestCanvas_InductionScoreErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "server error is transient", status: http.StatusBadGateway, wantErr: billing.ErrTransient},
		{name: "rate limited is transient", status: http.StatusTooManyRequests, wantErr: billing.ErrTransient},
		{name: "unknown course", status: http.StatusNotFound, wantErr: billing.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCanvas(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.InductionScore(context.Background(), &billing.Member{ID: "m1", Email: "ada@example.com"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("unauthorized", func(t *testing.T) {
		c := newTestCanvas(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		_, err := c.InductionScore(context.Background(), &billing.Member{ID: "m1", Email: "ada@example.com"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, billing.ErrTransient)
	})
}

func TestCanvas_MemberWithoutEmailScoresZero(t *testing.T) {
	c := newTestCanvas(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	})
	score, err := c.InductionScore(context.Background(), &billing.Member{ID: "m1"})
	require.NoError(t, err)
	assert.Zero(t, score)
}
