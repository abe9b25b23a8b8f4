package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"scan-console/internal/models"
)

// ErrNotFound is returned when the scan service does not know the id.
var ErrNotFound = errors.New("scan not found upstream")

// Client calls the remote scan service. The console owns no scan state of
// its own; everything it displays comes through this client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client for the given base URL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ScanPage is one page of the upstream scan list.
type ScanPage struct {
	Scans []models.Scan `json:"scans"`
	Total int           `json:"total"`
}

// ListScans fetches a full page of scans, including result summaries for
// completed ones.
func (c *Client) ListScans(ctx context.Context, page, pageSize int) (ScanPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	var out ScanPage
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/scans?"+q.Encode(), nil, &out); err != nil {
		return ScanPage{}, fmt.Errorf("list scans: %w", err)
	}
	return out, nil
}

type statusResponse struct {
	Status models.Status `json:"status"`
}

// ScanStatus probes the current status of a single scan. This is the
// lightweight call used by the poll loop; it carries no result payload.
func (c *Client) ScanStatus(ctx context.Context, id string) (models.Status, error) {
	var out statusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/scans/"+url.PathEscape(id)+"/status", nil, &out); err != nil {
		return "", fmt.Errorf("scan status %s: %w", id, err)
	}
	if !out.Status.Known() {
		return "", fmt.Errorf("scan status %s: unknown status %q", id, out.Status)
	}
	return out.Status, nil
}

type createRequest struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// CreateScan asks the scan service to start scanning owner/repo.
func (c *Client) CreateScan(ctx context.Context, owner, repo string) (models.Scan, error) {
	var out models.Scan
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/scans", createRequest{Owner: owner, Repo: repo}, &out); err != nil {
		return models.Scan{}, fmt.Errorf("create scan %s/%s: %w", owner, repo, err)
	}
	return out, nil
}

// DeleteScan removes a scan upstream. Callers must drop the id from the
// store as soon as this returns so polling of it stops immediately.
func (c *Client) DeleteScan(ctx context.Context, id string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/api/v1/scans/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete scan %s: %w", id, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
