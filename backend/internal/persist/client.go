package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"sheetcollab/backend/internal/sheet"
)

var (
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("sheet not found")
	ErrConflict  = errors.New("version conflict")
)

// StatusError 其它非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

type Options struct {
	// 不带路径，例如 http://localhost:8080
	BaseURL string
	Token   string
	Timeout time.Duration
	// 默认 0：失败一次就返回，不自动重试
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client 单元格持久化 + 整表加载
type Client struct {
	base  string
	token string
	http  *retryablehttp.Client
}

func New(opts Options) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}
	// 重试用尽后把最后一次响应原样交回来，由 checkStatus 分类
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{
		base:  strings.TrimRight(opts.BaseURL, "/"),
		token: opts.Token,
		http:  rc,
	}
}

func (c *Client) sheetURL(sheetID string, suffix string) string {
	return c.base + "/v1/sheets/" + url.PathEscape(sheetID) + suffix
}

func (c *Client) do(ctx context.Context, method, u string, body any, out any) error {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		raw = b
	}
	var rawBody any
	if raw != nil {
		rawBody = bytes.NewReader(raw)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, rawBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, u)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(b, out), "decode response")
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// UpdateCell 持久化一个单元格。成功时返回服务端的新版本号（响应里没有则为 0）。
func (c *Client) UpdateCell(ctx context.Context, sheetID string, at sheet.Coord, content sheet.CellContent) (int64, error) {
	vt := content.ValueType
	if vt == "" {
		vt = sheet.ValueText
	}
	req := sheet.UpdateCellRequest{
		Row:       at.Row,
		Col:       at.Col,
		Value:     content.Value,
		ValueType: vt,
		Style:     content.Style,
	}
	var out sheet.UpdateCellResponse
	if err := c.do(ctx, http.MethodPut, c.sheetURL(sheetID, "/cells"), req, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

func (c *Client) LoadSheet(ctx context.Context, sheetID string) (*sheet.Snapshot, error) {
	var out sheet.LoadResponse
	if err := c.do(ctx, http.MethodGet, c.sheetURL(sheetID, ""), nil, &out); err != nil {
		return nil, err
	}
	snap, err := out.Snapshot()
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", sheetID)
	}
	if snap.ID == "" {
		snap.ID = sheetID
	}
	return snap, nil
}
