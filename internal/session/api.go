package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pliu/adyx/internal/models"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrPasswordRequired  = errors.New("password required")
	ErrIncorrectPassword = errors.New("incorrect password")
	ErrTryLater          = errors.New("try later")
)

// APIError is a non-success answer from the admission endpoints.
type APIError struct {
	Status     int
	Code       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay answered %d %s", e.Status, e.Code)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case models.ErrCodeRoomNotFound:
		return ErrRoomNotFound
	case models.ErrCodePasswordRequired:
		return ErrPasswordRequired
	case models.ErrCodeIncorrectPassword:
		return ErrIncorrectPassword
	case models.ErrCodeTryLater:
		return ErrTryLater
	}
	return nil
}

// Client talks to the relay's admission endpoints.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) CreateRoom(ctx context.Context, password string) (*models.CreateRoomResponse, error) {
	var resp models.CreateRoomResponse
	if err := c.post(ctx, "/api/rooms", models.CreateRoomRequest{Password: password}, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) JoinRoom(ctx context.Context, code, password string) (*models.JoinRoomResponse, error) {
	var resp models.JoinRoomResponse
	req := models.JoinRoomRequest{RoomCode: code, Password: password}
	if err := c.post(ctx, "/api/rooms/join", req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SocketURL maps the base URL onto the relay's WebSocket endpoint.
func (c *Client) SocketURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, want int, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		apiErr := &APIError{Status: resp.StatusCode}
		var e models.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil {
			apiErr.Code = e.Error
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
