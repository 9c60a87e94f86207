// Package induction scores the induction course members complete before
// they can sign up.
package induction

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/membermatters/billing/pkg/billing"
)

const defaultTimeout = 10 * time.Second

// Config configures a Canvas client.
type Config struct {
	// BaseURL is the Canvas instance, e.g. https://example.instructure.com.
	BaseURL  string
	Token    string
	CourseID string

	// Optional
	HTTPClient *http.Client
}

// Canvas reads induction scores from a Canvas LMS course.
type Canvas struct {
	baseURL    string
	token      string
	courseID   string
	httpClient *http.Client
}

// NewCanvas creates a Canvas client.
func NewCanvas(cfg Config) (*Canvas, error) {
	if cfg.BaseURL == "" || strings.TrimSpace(cfg.Token) == "" || cfg.CourseID == "" {
		return nil, fmt.Errorf("%w: canvas url, token and course id are required", billing.ErrConfiguration)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Canvas{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      strings.TrimSpace(cfg.Token),
		courseID:   cfg.CourseID,
		httpClient: client,
	}, nil
}

type canvasUser struct {
	Email       string             `json:"email"`
	LoginID     string             `json:"login_id"`
	Enrollments []canvasEnrollment `json:"enrollments"`
}

type canvasEnrollment struct {
	Type   string `json:"type"`
	Grades struct {
		CurrentScore *float64 `json:"current_score"`
	} `json:"grades"`
}

// InductionScore implements billing.InductionChecker. Members not enrolled
// in the course score zero.
func (c *Canvas) InductionScore(ctx context.Context, m *billing.Member) (float64, error) {
	if m.Email == "" {
		return 0, nil
	}

	q := url.Values{}
	q.Set("search_term", m.Email)
	q.Add("include[]", "enrollments")
	q.Add("include[]", "email")
	q.Add("enrollment_type[]", "student")
	endpoint := fmt.Sprintf("%s/api/v1/courses/%s/users?%s", c.baseURL, url.PathEscape(c.courseID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to fetch course users: %v", billing.ErrTransient, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: canvas course %s not found", billing.ErrConfiguration, c.courseID)
	case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
		return 0, fmt.Errorf("%w: canvas API status %d", billing.ErrTransient, res.StatusCode)
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return 0, fmt.Errorf("canvas API error: status %d, body: %s", res.StatusCode, string(body))
	}

	var users []canvasUser
	if err := json.Unmarshal(body, &users); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}
	return scoreFor(users, m.Email), nil
}

// scoreFor returns the best student score of the user whose email or login
// matches. search_term also matches names, so other users are skipped.
func scoreFor(users []canvasUser, email string) float64 {
	best := 0.0
	for _, u := range users {
		if !strings.EqualFold(u.Email, email) && !strings.EqualFold(u.LoginID, email) {
			continue
		}
		for _, e := range u.Enrollments {
			if e.Type != "" && e.Type != "StudentEnrollment" {
				continue
			}
			if s := e.Grades.CurrentScore; s != nil && *s > best {
				best = *s
			}
		}
	}
	return best
}
