package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://mastodon.social"

// Client is a minimal Mastodon REST API client for the calls the indexer
// makes on behalf of its account.
type Client struct {
	baseURL     string
	accessToken string
	userAgent   string
	httpClient  *http.Client
}

// NewClient creates a new Mastodon API client. If baseURL is empty, it
// defaults to https://mastodon.social.
func NewClient(baseURL, accessToken, userAgent string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		userAgent:   userAgent,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Account is the subset of the account entity the indexer reads.
type Account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	URL         string `json:"url"`
	DisplayName string `json:"display_name"`
	Bot         bool   `json:"bot"`
}

// Relationship is the result of a follow request.
type Relationship struct {
	ID             string `json:"id"`
	Following      bool   `json:"following"`
	Requested      bool   `json:"requested"`
	ShowingReblogs bool   `json:"showing_reblogs"`
	FollowedBy     bool   `json:"followed_by"`
}

// VerifyCredentials returns the account the access token belongs to.
func (c *Client) VerifyCredentials(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts/verify_credentials", nil, &acct); err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}
	return &acct, nil
}

// Follow follows accountID. reblogs controls whether the account's boosts
// show up in the home timeline.
func (c *Client) Follow(ctx context.Context, accountID string, reblogs bool) error {
	if c.accessToken == "" {
		return fmt.Errorf("not authenticated: no access token configured")
	}

	body := followRequest{Reblogs: reblogs}
	path := "/api/v1/accounts/" + url.PathEscape(accountID) + "/follow"

	var rel Relationship
	if err := c.do(ctx, http.MethodPost, path, body, &rel); err != nil {
		return fmt.Errorf("follow %s: %w", accountID, err)
	}
	return nil
}

// APIError is returned for non-2xx responses. Message is the server's
// "error" field when it sent one, otherwise the raw body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 4 << 10

func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readAPIError(resp)
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// newRequest builds an authenticated request with body encoded as JSON.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	return req, nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}

	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	return apiErr
}

type followRequest struct {
	Reblogs bool `json:"reblogs"`
}
