// Package client talks to a running daemon over its HTTP API.
// Package client 通过 HTTP API 与运行中的守护进程通信。
package client

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

	"github.com/MaxSonchik/DevOS/internal/api"
	"github.com/MaxSonchik/DevOS/internal/app"
	"github.com/MaxSonchik/DevOS/internal/rules"
	"github.com/MaxSonchik/DevOS/internal/stats"
	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// Client implements app.Ops against a daemon.
type Client struct {
	base  string
	token string
	http  *http.Client
}

var _ app.Ops = (*Client)(nil)

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for addr, either "host:port" or a full URL.
// New 返回连接 addr 的客户端，addr 可为 "host:port" 或完整 URL。
func New(addr string, opts ...Option) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Client{base: base, http: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Block(ctx context.Context, ip, duration, reason string) (rules.ID, error) {
	var resp api.BlockResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/rules/block", api.BlockRequest{IP: ip, Duration: duration, Reason: reason}, &resp)
	return rules.ID(resp.ID), err
}

func (c *Client) Allow(ctx context.Context, ip string) (bool, error) {
	var resp api.AllowResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/rules/allow", api.AllowRequest{IP: ip}, &resp)
	return resp.Removed, err
}

func (c *Client) SetFiltering(ctx context.Context, enabled bool) error {
	path := "/api/v1/firewall/disable"
	if enabled {
		path = "/api/v1/firewall/enable"
	}
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) Stats(ctx context.Context) (stats.Stats, error) {
	var s stats.Stats
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/stats", nil, &s)
	return s, err
}

func (c *Client) List(ctx context.Context) ([]app.RuleView, error) {
	var resp api.ListResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/rules", nil, &resp)
	return resp.Rules, err
}

func (c *Client) Export(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/export", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Import sends a YAML document. Entries that failed at the backend come
// back as a BackendError next to the result, the same as app.Local.
// Import 发送 YAML 文档。后端失败的条目与结果一起以 BackendError 返回，与 app.Local 一致。
func (c *Client) Import(ctx context.Context, data []byte) (app.ImportResult, error) {
	var res app.ImportResult
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/import", bytes.NewReader(data), "application/yaml")
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("decode response: %w", err)
	}
	if res.Failed > 0 {
		return res, fwerrors.NewBackendError("import", errors.New(strings.Join(res.Errors, "; ")))
	}
	return res, nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil, "")
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	resp, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do returns the response on 2xx. Otherwise the body is decoded into a
// classified error and closed.
// do 在 2xx 时返回响应，否则将响应体解码为分类错误并关闭。
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %w", fwerrors.ErrDaemonNotRunning, c.base, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	var eb struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil, fwerrors.FromKind(eb.Kind, eb.Error)
}
