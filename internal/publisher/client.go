package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

const defaultBaseURL = "https://graph.facebook.com/v19.0"

// API is the publish-provider boundary. The concrete implementation talks to
// the Instagram Graph API; the dispatch loop and tests only see this surface.
type API interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	ProbeStatus(ctx context.Context, containerID string) (ContainerStatus, error)
	Publish(ctx context.Context, containerID string) (string, error)
	SearchLocation(ctx context.Context, g Geo) (string, error)
}

// ContainerSpec is the request side of CreateContainer.
type ContainerSpec struct {
	ImageURL       string
	Caption        string
	LocationID     string
	UserTags       []UserTag
	IsStory        bool
	IsCarouselItem bool
	// Children holds container IDs for a carousel parent.
	Children []string
}

type UserTag struct {
	Username string  `json:"username"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

type ClientConfig struct {
	AccessToken string
	AccountID   string
	AppID       string
	AppSecret   string
	BaseURL     string
	Timeout     time.Duration
}

type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  logx.Logger

	mu    sync.RWMutex
	token string
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: timeout},
		log:   log,
		token: cfg.AccessToken,
	}
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("publisher: provider returned %d: %s", e.Status, e.Message)
}

func (c *Client) call(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("access_token", c.accessToken())

	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, u+"?"+params.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		var envelope struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			msg = envelope.Error.Message
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	params := url.Values{}
	if len(spec.Children) > 0 {
		params.Set("media_type", "CAROUSEL")
		params.Set("children", strings.Join(spec.Children, ","))
	} else {
		params.Set("image_url", spec.ImageURL)
	}
	if spec.IsStory {
		params.Set("media_type", "STORIES")
	}
	if spec.IsCarouselItem {
		params.Set("is_carousel_item", "true")
	}
	if spec.Caption != "" {
		params.Set("caption", spec.Caption)
	}
	if spec.LocationID != "" {
		params.Set("location_id", spec.LocationID)
	}
	if len(spec.UserTags) > 0 {
		b, err := json.Marshal(spec.UserTags)
		if err != nil {
			return "", err
		}
		params.Set("user_tags", string(b))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, c.cfg.AccountID+"/media", params, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("publisher: container id missing in response")
	}
	return out.ID, nil
}

func (c *Client) ProbeStatus(ctx context.Context, containerID string) (ContainerStatus, error) {
	params := url.Values{}
	params.Set("fields", "status_code")
	var out struct {
		StatusCode string `json:"status_code"`
	}
	if err := c.call(ctx, http.MethodGet, containerID, params, &out); err != nil {
		return "", err
	}
	switch ContainerStatus(out.StatusCode) {
	case StatusFinished, StatusError, StatusInProgress:
		return ContainerStatus(out.StatusCode), nil
	default:
		// EXPIRED and PUBLISHED also exist; treat anything unknown as
		// in-progress and let the deadline decide.
		return StatusInProgress, nil
	}
}

func (c *Client) Publish(ctx context.Context, containerID string) (string, error) {
	params := url.Values{}
	params.Set("creation_id", containerID)
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, c.cfg.AccountID+"/media_publish", params, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("publisher: published id missing in response")
	}
	return out.ID, nil
}

// SearchLocation resolves coordinates to a taggable place id.
// Returns "" when no place matches.
func (c *Client) SearchLocation(ctx context.Context, g Geo) (string, error) {
	if err := g.validate(); err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("type", "place")
	params.Set("center", fmt.Sprintf("%v,%v", g.Latitude, g.Longitude))
	params.Set("fields", "id,name")
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, "search", params, &out); err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", nil
	}
	return out.Data[0].ID, nil
}

// RefreshAccessToken exchanges the current token for a fresh long-lived one
// and swaps it in for subsequent calls.
func (c *Client) RefreshAccessToken(ctx context.Context) error {
	params := url.Values{}
	params.Set("grant_type", "fb_exchange_token")
	params.Set("client_id", c.cfg.AppID)
	params.Set("client_secret", c.cfg.AppSecret)
	params.Set("fb_exchange_token", c.accessToken())

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.call(ctx, http.MethodGet, "oauth/access_token", params, &out); err != nil {
		return err
	}
	if out.AccessToken == "" {
		return fmt.Errorf("publisher: token exchange returned empty token")
	}
	c.mu.Lock()
	c.token = out.AccessToken
	c.mu.Unlock()
	if !c.log.IsZero() {
		c.log.Info("access token refreshed")
	}
	return nil
}
