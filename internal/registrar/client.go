package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fluxvault/vault/internal/agentcore"
)

// registerInterval is how often a subordinate retries its /register POST
// until the primary accepts it.
const registerInterval = 5 * time.Second

// Client is the subordinate side of registration: it announces itself to
// the primary's registrar at startup and reports enrolled-flag changes.
type Client struct {
	baseURL string
	info    agentcore.SubordinateInfo
	http    *http.Client
	log     *slog.Logger
}

// NewClient builds a registration client against the primary's registrar
// endpoint.
func NewClient(primaryHost string, registrarPort int, info agentcore.SubordinateInfo, log *slog.Logger) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", primaryHost, registrarPort),
		info:    info,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Register POSTs the subordinate's record to /register, retrying on a
// fixed cadence until the primary accepts or ctx is cancelled.
func (c *Client) Register(ctx context.Context) error {
	for {
		err := c.post(ctx, "/register")
		if err == nil {
			c.log.Info("registered with primary", "name", c.info.Name)
			return nil
		}
		c.log.Warn("registration attempt failed, retrying", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerInterval):
		}
	}
}

// UpdateEnrolled reports an enrolled-flag change to /update.
func (c *Client) UpdateEnrolled(ctx context.Context, enrolled bool) error {
	c.info.Enrolled = enrolled
	if err := c.post(ctx, "/update"); err != nil {
		return fmt.Errorf("report enrolled=%t: %w", enrolled, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string) error {
	body, err := json.Marshal(c.info)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registrar returned %d", resp.StatusCode)
	}
	return nil
}
