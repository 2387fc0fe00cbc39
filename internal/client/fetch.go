package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/chunkdata"
	"pixelcanvas.ai/internal/protocol"
)

// HTTPFetcher reads tiles and chunks from a canvasd HTTP API.
type HTTPFetcher struct {
	base   string
	client *http.Client
	format chunkdata.Format
}

func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{base: strings.TrimRight(baseURL, "/"), client: client, format: chunkdata.FormatBinary}
}

// WithFormat selects the chunk wire format.
func (f *HTTPFetcher) WithFormat(fm chunkdata.Format) *HTTPFetcher {
	f.format = fm
	return f
}

func (f *HTTPFetcher) FetchTile(ctx context.Context, k canvas.TileKey) ([]byte, error) {
	q := url.Values{}
	q.Set("x", strconv.Itoa(k.X))
	q.Set("y", strconv.Itoa(k.Y))
	q.Set("zoom", strconv.Itoa(k.Zoom))
	body, err := f.get(ctx, "/api/pixels/tile", q)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", canvas.ErrTransientFetch, err)
	}
	return b, nil
}

func (f *HTTPFetcher) FetchChunk(ctx context.Context, _ canvas.ChunkKey, r canvas.Rect) ([]canvas.Cell, error) {
	q := url.Values{}
	q.Set("minX", strconv.Itoa(r.MinX))
	q.Set("minY", strconv.Itoa(r.MinY))
	q.Set("maxX", strconv.Itoa(r.MaxX))
	q.Set("maxY", strconv.Itoa(r.MaxY))
	q.Set("format", string(f.format))
	body, err := f.get(ctx, "/api/pixels/chunk", q)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	cells, err := chunkdata.Decode(body, f.format)
	if err != nil {
		return nil, fmt.Errorf("%w: decode chunk: %w", canvas.ErrTransientFetch, err)
	}
	return cells, nil
}

// FetchConfig reads the server's grid, limits and recommended client settings.
func (f *HTTPFetcher) FetchConfig(ctx context.Context) (protocol.ConfigResponse, error) {
	var out protocol.ConfigResponse
	body, err := f.get(ctx, "/api/config", url.Values{})
	if err != nil {
		return out, err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return out, fmt.Errorf("%w: decode config: %w", canvas.ErrTransientFetch, err)
	}
	return out, nil
}

func (f *HTTPFetcher) get(ctx context.Context, path string, q url.Values) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", canvas.ErrTransientFetch, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

func decodeError(resp *http.Response) error {
	var eb protocol.ErrorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&eb)
	if resp.StatusCode >= 500 || eb.Code == "" {
		return fmt.Errorf("%w: http %d %s", canvas.ErrTransientFetch, resp.StatusCode, eb.Message)
	}
	if len(eb.Failures) > 0 {
		return &canvas.BatchError{Failures: eb.Failures}
	}
	return fmt.Errorf("%w: %s", protocol.ErrorFor(eb.Code), eb.Message)
}

// Submit posts a mutation over HTTP.
func (f *HTTPFetcher) Submit(ctx context.Context, m canvas.MutationRequest) (protocol.ApplyResponse, error) {
	var out protocol.ApplyResponse
	raw, err := json.Marshal(m)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.base+"/api/pixels", strings.NewReader(string(raw)))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("%w: %w", canvas.ErrTransientFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %w", canvas.ErrTransientFetch, err)
	}
	return out, nil
}
