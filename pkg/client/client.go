package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8787/api"
	DefaultTimeout = 10 * time.Second
	// StartTimeout covers a full start method cascade on the server side.
	StartTimeout = 10 * time.Minute
)

// Client talks to a running enginevisor daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	auth    func(*http.Request)
}

type Config struct {
	BaseURL  string
	Timeout  time.Duration // per request, except start and restart
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // skip TLS verification
	// Token is sent as a bearer token; otherwise Username and Password are
	// sent with basic auth when set.
	Token    string
	Username string
	Password string
}

type TLSClientConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
}

func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tc, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	c := &Client{
		baseURL: trimSlash(config.BaseURL),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}
	switch {
	case config.Token != "":
		c.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+config.Token) }
	case config.Username != "":
		c.auth = func(r *http.Request) { r.SetBasicAuth(config.Username, config.Password) }
	}
	return c, nil
}

// IsReachable reports whether a daemon answers on the base URL.
func (c *Client) IsReachable(ctx context.Context) bool {
	var res StatusResult
	if err := c.do(ctx, http.MethodGet, "/workflow/status", nil, &res); err != nil {
		c.logger.Debug("daemon unreachable", "url", c.baseURL, "error", err)
		return false
	}
	return true
}

func (c *Client) Start(ctx context.Context) (StartResult, error) {
	var res StartResult
	err := c.long(ctx, http.MethodPost, "/workflow/start", &res)
	return res, err
}

func (c *Client) Restart(ctx context.Context) (StartResult, error) {
	var res StartResult
	err := c.long(ctx, http.MethodPost, "/engine/restart", &res)
	return res, err
}

func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var res StatusResult
	err := c.do(ctx, http.MethodGet, "/workflow/status", nil, &res)
	return res, err
}

func (c *Client) ListWorkflows(ctx context.Context) (ListResult, error) {
	var res ListResult
	err := c.do(ctx, http.MethodGet, "/workflow/list", nil, &res)
	return res, err
}

func (c *Client) ExecuteWorkflow(ctx context.Context, workflowID string) (ExecuteResult, error) {
	var res ExecuteResult
	err := c.do(ctx, http.MethodPost, "/workflow/execute/"+url.PathEscape(workflowID), nil, &res)
	return res, err
}

func (c *Client) Monitor(ctx context.Context) (MonitorResult, error) {
	var res MonitorResult
	err := c.do(ctx, http.MethodGet, "/workflow/monitor", nil, &res)
	return res, err
}

func (c *Client) History(ctx context.Context, req HistoryRequest) (HistoryResult, error) {
	var res HistoryResult
	err := c.do(ctx, http.MethodPost, "/workflow/monitor", req, &res)
	return res, err
}

func (c *Client) Stop(ctx context.Context) (StopResult, error) {
	var res StopResult
	err := c.do(ctx, http.MethodPost, "/engine/stop", nil, &res)
	return res, err
}

func (c *Client) Logs(ctx context.Context, lines int) (LogsResult, error) {
	var res LogsResult
	path := "/engine/logs"
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

// long runs a request that may take a whole start cascade; the client
// timeout is replaced by StartTimeout unless ctx is shorter.
func (c *Client) long(ctx context.Context, method, path string, out any) error {
	hc := *c.client
	hc.Timeout = StartTimeout
	return c.doWith(ctx, &hc, method, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doWith(ctx, c.client, method, path, body, out)
}

// doWith decodes the envelope for any status code the server answers with an
// envelope; only transport failures and malformed requests become errors.
func (c *Client) doWith(ctx context.Context, hc *http.Client, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		c.auth(req)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorText(data))
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("API error: %s", errorText(data))
	case resp.StatusCode == http.StatusNotFound && !json.Valid(data):
		return fmt.Errorf("HTTP %d: %s is not an enginevisor API", resp.StatusCode, c.baseURL)
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Debug("undecodable response", "status", resp.StatusCode, "path", path)
		return fmt.Errorf("HTTP %d: decode response: %w", resp.StatusCode, err)
	}
	return nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 explicitly requested
		tc.InsecureSkipVerify = true
	}
	t := config.TLS
	if t == nil {
		return tc, nil
	}
	tc.ServerName = t.ServerName
	if t.CACert != "" {
		pem, err := os.ReadFile(t.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in CA file")
		}
		tc.RootCAs = pool
	}
	if t.ClientCert != "" && t.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func errorText(data []byte) string {
	var er ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(data))
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
