package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"dm-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL    = "https://graph.instagram.com"
	defaultAPIVersion = "v25.0"

	// MaxMediaBytes caps attachment downloads.
	MaxMediaBytes = 25 << 20
)

// HTTPStatusError captures non-2xx Graph API responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("instagram: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// ErrMediaTooLarge is returned when an attachment exceeds MaxMediaBytes.
var ErrMediaTooLarge = errors.New("instagram: media exceeds size limit")

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

// Client sends Direct Messages through the Instagram Graph API and downloads
// attachment media.
type Client struct {
	baseURL     string
	apiVersion  string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string
	limiter     *rate.Limiter
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithAPIVersion(v string) Option {
	return func(c *Client) {
		if v = strings.TrimSpace(v); v != "" {
			c.apiVersion = v
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithSendRate paces SendText to perSecond requests with a burst of one.
func WithSendRate(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewClient creates a Client. The access token is read from
// <paramPrefix>/instagram/access_token through ps.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("instagram: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("instagram: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		apiVersion:  defaultAPIVersion,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		limiter:     rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return c, nil
}

// accessToken reads the token on every call. Caching is left to the
// parameter store so rotated tokens are picked up without a cold start.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	tok, err := paramstore.Token(ctx, c.getter, c.paramPrefix+"/instagram/access_token")
	if err != nil {
		return "", fmt.Errorf("instagram: access token: %w", err)
	}
	return tok, nil
}

func (c *Client) messagesURL() string {
	return c.baseURL + "/" + c.apiVersion + "/me/messages"
}

// SendText delivers one text message to userID.
func (c *Client) SendText(ctx context.Context, userID, text string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("instagram: user id must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("instagram: text must not be empty")
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var payload sendRequest
	payload.Recipient.ID = userID
	payload.Message.Text = text
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("instagram: marshal send request: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("instagram: send rate: %w", err)
	}

	url := c.messagesURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("instagram: create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("instagram: send request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	return nil
}

// FetchMedia downloads an attachment. CDN URLs are usually signed, so a
// 401 or 403 on the authenticated request is retried without the token.
func (c *Client) FetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	if strings.TrimSpace(url) == "" {
		return nil, "", errors.New("instagram: media url must not be empty")
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, "", err
	}

	data, contentType, err := c.download(ctx, url, token)
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
		data, contentType, err = c.download(ctx, url, "")
	}
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

func (c *Client) download(ctx context.Context, url, token string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("instagram: create media request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("instagram: media request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, "", &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	if res.ContentLength > MaxMediaBytes {
		return nil, "", ErrMediaTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("instagram: read media body: %w", err)
	}
	if len(data) > MaxMediaBytes {
		return nil, "", ErrMediaTooLarge
	}
	return data, res.Header.Get("Content-Type"), nil
}
