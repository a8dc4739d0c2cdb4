package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Options 控制客户端的上游地址、凭证、超时与重试。
type Options struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         logrus.FieldLogger
	// HTTPClient 允许测试注入自定义客户端。
	HTTPClient *http.Client
}

// Client 是远端书签 API 的 JSON 客户端。对缓存层而言它只是一组不透明的 fetch/write 函数。
type Client struct {
	base       *url.URL
	token      string
	http       *http.Client
	maxRetries int
	backoff    time.Duration
	logger     logrus.FieldLogger
}

// NewClient 解析 BaseURL 并构建客户端。
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("api base url required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported api scheme: %s", base.Scheme)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		}
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}

	return &Client{
		base:       base,
		token:      opts.Token,
		http:       httpClient,
		maxRetries: opts.MaxRetries,
		backoff:    backoff,
		logger:     logger,
	}, nil
}

// ListFolders 返回全部文件夹。
func (c *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	var out []Folder
	err := c.do(ctx, http.MethodGet, "/folders", nil, nil, &out)
	return out, err
}

// CreateFolder 创建文件夹并返回服务端生成的记录。
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (Folder, error) {
	body := map[string]string{"name": name}
	if parentID != "" {
		body["parentId"] = parentID
	}
	var out Folder
	err := c.do(ctx, http.MethodPost, "/folders", nil, body, &out)
	return out, err
}

// UpdateFolder 对文件夹做部分更新。
func (c *Client) UpdateFolder(ctx context.Context, id string, patch FolderPatch) error {
	return c.do(ctx, http.MethodPatch, "/folders/"+url.PathEscape(id), nil, patch, nil)
}

// DeleteFolder 删除文件夹。
func (c *Client) DeleteFolder(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/folders/"+url.PathEscape(id), nil, nil, nil)
}

// RecentLinks 返回最近添加的链接。
func (c *Client) RecentLinks(ctx context.Context, limit int) ([]Link, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	var out []Link
	err := c.do(ctx, http.MethodGet, "/links/recent", query, nil, &out)
	return out, err
}

// FolderLinks 返回某个文件夹下的链接。
func (c *Client) FolderLinks(ctx context.Context, folderID string) ([]Link, error) {
	query := url.Values{"folder": []string{folderID}}
	var out []Link
	err := c.do(ctx, http.MethodGet, "/links", query, nil, &out)
	return out, err
}

// ListTags 返回全部标签。
func (c *Client) ListTags(ctx context.Context) ([]Tag, error) {
	var out []Tag
	err := c.do(ctx, http.MethodGet, "/tags", nil, nil, &out)
	return out, err
}

// ListFiles 返回“我的文件”。
func (c *Client) ListFiles(ctx context.Context) ([]File, error) {
	var out []File
	err := c.do(ctx, http.MethodGet, "/files", nil, nil, &out)
	return out, err
}

// do 发送请求并解码 JSON；只有 GET 会在网络错误或临时性错误时按指数退避重试。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = encoded
	}

	attempts := 1
	if method == http.MethodGet && c.maxRetries > 0 {
		attempts += c.maxRetries
	}

	var lastErr error
	wait := c.backoff
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.once(ctx, method, path, query, payload, out)
		if lastErr == nil || !retryable(lastErr) || attempt == attempts {
			break
		}
		c.logger.WithError(lastErr).WithFields(logrus.Fields{
			"action":  "api_retry",
			"method":  method,
			"path":    path,
			"attempt": attempt,
		}).Warn("api request failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	// path 已经按段转义，直接拼接避免二次转义
	target, err := url.Parse(c.base.String() + path)
	if err != nil {
		return err
	}
	target.RawQuery = query.Encode()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, apiErr)
		}
		if apiErr.Code == "" {
			apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
