package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrGateway is the single failure kind the write path sees. The caller
// retries the whole action; nothing is appended on failure.
var ErrGateway = errors.New("erp gateway error")

// Document is the ERP activity document created for every recorded action.
// The ERP keeps its own date/time encoding: a calendar date plus the wall
// clock as an HHMM integer.
type Document struct {
	DocType     string `json:"doc_type"`
	WorkOrderID string `json:"work_order_id"`
	MachineID   string `json:"machine_id"`
	WorkerCode  string `json:"worker_code"`
	ActionCode  string `json:"action_code"`
	ReasonCode  string `json:"reason_code,omitempty"`
	Note        string `json:"note,omitempty"`
	DocDate     string `json:"doc_date"`
	ClockTime   int    `json:"clock_time"`
}

// EncodeClock converts a timestamp into the ERP's date and HHMM fields.
func EncodeClock(at time.Time) (string, int) {
	return at.Format("2006-01-02"), at.Hour()*100 + at.Minute()
}

type session struct {
	token     string
	expiresAt time.Time
}

// Client talks to the ERP write API. It owns login, proactive token refresh
// before expiry, and a one-shot retry when the ERP rejects a token that our
// clock still considered valid.
type Client struct {
	BaseURL       string
	Username      string
	Password      string
	HTTP          *http.Client
	Now           func() time.Time
	RefreshMargin time.Duration

	mu      sync.Mutex
	current session
}

func NewClient(baseURL, username, password string) *Client {
	return &Client{
		BaseURL:       baseURL,
		Username:      username,
		Password:      password,
		HTTP:          &http.Client{Timeout: 10 * time.Second},
		Now:           func() time.Time { return time.Now().UTC() },
		RefreshMargin: 60 * time.Second,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

func (c *Client) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(loginRequest{Username: c.Username, Password: c.Password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: login: %v", ErrGateway, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login returned status %d", ErrGateway, resp.StatusCode)
	}

	var parsed loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: login response: %v", ErrGateway, err)
	}
	if parsed.Token == "" {
		return "", fmt.Errorf("%w: login returned empty token", ErrGateway)
	}

	c.mu.Lock()
	c.current = session{
		token:     parsed.Token,
		expiresAt: c.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}
	c.mu.Unlock()
	return parsed.Token, nil
}

// sessionToken returns a token expected to outlive the next call, logging in
// again when the cached one is within the refresh margin of expiry.
func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur.token != "" && c.Now().Add(c.RefreshMargin).Before(cur.expiresAt) {
		return cur.token, nil
	}
	return c.login(ctx)
}

func (c *Client) invalidate(token string) {
	c.mu.Lock()
	if c.current.token == token {
		c.current = session{}
	}
	c.mu.Unlock()
}

// Create writes one activity document. An authentication rejection triggers
// exactly one fresh login and retry; any other failure is surfaced as
// ErrGateway for the caller to retry the whole action.
func (c *Client) Create(ctx context.Context, doc Document) error {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return err
	}

	status, err := c.postDocument(ctx, token, doc)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.invalidate(token)
		token, err = c.login(ctx)
		if err != nil {
			return err
		}
		status, err = c.postDocument(ctx, token, doc)
		if err != nil {
			return err
		}
	}

	if status < 200 || status > 299 {
		return fmt.Errorf("%w: document create returned status %d", ErrGateway, status)
	}
	return nil
}

func (c *Client) postDocument(ctx context.Context, token string, doc Document) (int, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/documents", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: document create: %v", ErrGateway, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
