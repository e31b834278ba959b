package data

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
)

// ErrCredentialExpired is returned when the stored credential is past its expiry
var ErrCredentialExpired = errors.New("credential expired")

// APIError is a non-2xx response from the backend
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// restAPI implements repo.DataAPI over the backend's HTTP+JSON API
type restAPI struct {
	baseURL     string
	httpClient  *http.Client
	credentials repo.CredentialRepo
}

// NewRestAPI creates the primary Data API backend
func NewRestAPI(baseURL string, credentials repo.CredentialRepo, timeout time.Duration) repo.DataAPI {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &restAPI{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		credentials: credentials,
	}
}

func (r *restAPI) Name() string {
	return "rest"
}

// Ping checks the health endpoint
func (r *restAPI) Ping(ctx context.Context) error {
	return r.do(ctx, http.MethodGet, "/health", nil, nil, false)
}

func (r *restAPI) Close() error {
	r.httpClient.CloseIdleConnections()
	return nil
}

// ============ Presence ============

func (r *restAPI) UpsertPresence(ctx context.Context, record domain.PresenceRecord) error {
	return r.do(ctx, http.MethodPut, "/api/presence", record, nil, true)
}

func (r *restAPI) QueryPresence(ctx context.Context, subjectIDs []string) ([]domain.PresenceRecord, error) {
	var result struct {
		Records []domain.PresenceRecord `json:"records"`
	}
	path := "/api/presence?ids=" + url.QueryEscape(strings.Join(subjectIDs, ","))
	if err := r.do(ctx, http.MethodGet, path, nil, &result, true); err != nil {
		return nil, err
	}
	return result.Records, nil
}

// ============ Typing ============

func (r *restAPI) UpsertTyping(ctx context.Context, state domain.TypingState) error {
	return r.do(ctx, http.MethodPut, "/api/typing", state, nil, true)
}

// ============ Votes ============

func (r *restAPI) ToggleVote(ctx context.Context, target domain.TargetKey) (*domain.VoteResult, error) {
	var result domain.VoteResult
	path := fmt.Sprintf("/api/votes/%s/%s", url.PathEscape(string(target.Kind)), url.PathEscape(target.ID))
	if err := r.do(ctx, http.MethodPost, path, nil, &result, true); err != nil {
		return nil, err
	}
	if result.Outcome != domain.VoteApplied && result.Outcome != domain.VoteRemoved {
		return nil, fmt.Errorf("unexpected vote outcome %q", result.Outcome)
	}
	return &result, nil
}

// ============ Feed ============

func (r *restAPI) FetchFeedPage(ctx context.Context, query domain.FeedQuery) (*domain.FeedPageResponse, error) {
	params := url.Values{}
	if query.CategoryID != "" {
		params.Set("category", query.CategoryID)
	}
	if query.SearchQuery != "" {
		params.Set("q", query.SearchQuery)
	}
	params.Set("page", strconv.Itoa(query.Page))
	params.Set("limit", strconv.Itoa(query.Limit))
	params.Set("sort", string(query.Sort))

	var result domain.FeedPageResponse
	if err := r.do(ctx, http.MethodGet, "/api/feed?"+params.Encode(), nil, &result, true); err != nil {
		return nil, err
	}
	if result.Items == nil {
		result.Items = []domain.Item{}
	}
	return &result, nil
}

// ============ Badges ============

func (r *restAPI) AwardFirstUpvote(ctx context.Context, subjectID string) error {
	body := map[string]string{"subject_id": subjectID}
	return r.do(ctx, http.MethodPost, "/api/badges/first-upvote", body, nil, true)
}

// ============ HTTP Helpers ============

func (r *restAPI) do(ctx context.Context, method, path string, body, result interface{}, auth bool) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if auth && r.credentials != nil {
		cred, err := r.credentials.Credential(ctx)
		if err != nil {
			return fmt.Errorf("failed to read credential: %w", err)
		}
		if cred.Expired(time.Now()) {
			return ErrCredentialExpired
		}
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
