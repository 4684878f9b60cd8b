// Package threads wraps the Threads Graph API publish, refresh and lookup
// endpoints.
package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/i0switch/personaforge/internal/logger"
)

const defaultBaseURL = "https://graph.threads.net/v1.0"

// Client calls the Threads Graph API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  logger.Logger
}

// NewClient creates a client. An empty baseURL selects the production API.
func NewClient(baseURL string, timeout time.Duration, log logger.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  log,
	}
}

// ContainerRequest describes one media container to create. ReplyToID is set
// only for reply containers.
type ContainerRequest struct {
	Text      string
	ImageURL  string
	ReplyToID string
}

// TokenRefresh is the response of a long-lived token refresh.
type TokenRefresh struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// RemotePost is one item of the recent-posts listing.
type RemotePost struct {
	ID        string `json:"id"`
	Permalink string `json:"permalink"`
	Timestamp string `json:"timestamp"`
}

type envelope struct {
	ID          string       `json:"id"`
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int64        `json:"expires_in"`
	Data        []RemotePost `json:"data"`
	Error       *APIError    `json:"error,omitempty"`
}

// CreateContainer runs phase one of the two-phase publish and returns the
// container id. An image attachment whose URL is not a well-formed absolute
// URL is dropped and the container degrades to text-only; the post still goes
// out rather than failing on bad media.
func (c *Client) CreateContainer(ctx context.Context, token, userID string, req ContainerRequest) (string, error) {
	params := url.Values{}
	params.Set("text", req.Text)
	params.Set("media_type", "TEXT")

	if req.ImageURL != "" {
		if isValidMediaURL(req.ImageURL) {
			params.Set("media_type", "IMAGE")
			params.Set("image_url", req.ImageURL)
		} else {
			c.logger.Warn("invalid media URL, degrading to text-only container",
				logger.String("image_url", req.ImageURL))
		}
	}
	if req.ReplyToID != "" {
		params.Set("reply_to_id", req.ReplyToID)
	}

	endpoint := fmt.Sprintf("%s/%s/threads", c.baseURL, userID)
	resp, err := c.do(ctx, http.MethodPost, endpoint, token, params)
	if err != nil {
		return "", &PublishError{Phase: "container", Err: err}
	}
	if resp.ID == "" {
		return "", &PublishError{Phase: "container", Err: errors.New("no container id in response")}
	}
	return resp.ID, nil
}

// PublishContainer runs phase two and returns the platform-assigned post id.
func (c *Client) PublishContainer(ctx context.Context, token, userID, containerID string) (string, error) {
	params := url.Values{}
	params.Set("creation_id", containerID)

	endpoint := fmt.Sprintf("%s/%s/threads_publish", c.baseURL, userID)
	resp, err := c.do(ctx, http.MethodPost, endpoint, token, params)
	if err != nil {
		return "", &PublishError{Phase: "publish", Err: err}
	}
	if resp.ID == "" {
		return "", &PublishError{Phase: "publish", Err: errors.New("no post id in response")}
	}
	return resp.ID, nil
}

// RefreshToken exchanges a long-lived token for a fresh one.
func (c *Client) RefreshToken(ctx context.Context, token string) (*TokenRefresh, error) {
	params := url.Values{}
	params.Set("grant_type", "th_refresh_token")

	endpoint := c.baseURL + "/refresh_access_token"
	resp, err := c.do(ctx, http.MethodGet, endpoint, token, params)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, errors.New("refresh token: no access token in response")
	}
	return &TokenRefresh{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		ExpiresIn:   resp.ExpiresIn,
	}, nil
}

// RecentPosts lists the persona's most recently published posts, newest
// first. Used to resolve reply targets when the external id was not captured
// at publish time.
func (c *Client) RecentPosts(ctx context.Context, token, userID string, limit int) ([]RemotePost, error) {
	params := url.Values{}
	params.Set("fields", "id,permalink,timestamp")
	params.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/%s/threads", c.baseURL, userID)
	resp, err := c.do(ctx, http.MethodGet, endpoint, token, params)
	if err != nil {
		return nil, fmt.Errorf("recent posts: %w", err)
	}
	return resp.Data, nil
}

// do executes one API call and decodes the platform envelope. Platform-side
// failures come back as *APIError; anything else is a transport error.
func (c *Client) do(ctx context.Context, method, endpoint, token string, params url.Values) (*envelope, error) {
	params.Set("access_token", token)

	var body io.Reader
	reqURL := endpoint
	if method == http.MethodGet {
		reqURL = endpoint + "?" + params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if method == http.MethodPost {
		httpReq.URL.RawQuery = params.Encode()
	}
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if decodeErr := json.Unmarshal(bodyBytes, &env); decodeErr != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(bodyBytes))
		}
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}

	if env.Error != nil {
		c.logger.Debug("threads API error",
			logger.String("endpoint", endpoint),
			logger.Int("status_code", resp.StatusCode),
			logger.Int("code", env.Error.Code),
			logger.Int("subcode", env.Error.Subcode),
			logger.Duration("request_duration", time.Since(start)))
		return nil, env.Error
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return &env, nil
}

// isValidMediaURL reports whether s is a well-formed absolute http(s) URL.
func isValidMediaURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
