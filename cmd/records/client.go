package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/api"
	"golang.org/x/sync/errgroup"
)

// Client talks to a simple-records server over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// recordURL builds /ensembles/{ensemble}/records/{name}{suffix} with the
// realization and any extra query parameters.
func (c *Client) recordURL(scope simplerecords.RecordScope, suffix string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	if scope.RealizationIndex != nil {
		query.Set("realization_index", strconv.Itoa(*scope.RealizationIndex))
	}
	u := fmt.Sprintf("%s/ensembles/%s/records/%s%s", c.baseURL, scope.EnsembleID, url.PathEscape(scope.Name), suffix)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readError(req, resp)
	}
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(req *http.Request, resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, body.Error)
}

// CreateBlob creates the placeholder record of a staged upload
func (c *Client) CreateBlob(ctx context.Context, scope simplerecords.RecordScope, filename, mimeType string) (*api.RecordResponse, error) {
	query := url.Values{}
	if filename != "" {
		query.Set("filename", filename)
	}
	if mimeType != "" {
		query.Set("mimetype", mimeType)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.recordURL(scope, "/blob", query), nil)
	if err != nil {
		return nil, err
	}
	var rec api.RecordResponse
	if err := c.do(req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// StageBlock sends size bytes from body as block index of a staged upload
func (c *Client) StageBlock(ctx context.Context, scope simplerecords.RecordScope, index int, body io.Reader, size int64) (*api.BlockResponse, error) {
	query := url.Values{"block_index": {strconv.Itoa(index)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.recordURL(scope, "/blob", query), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	var block api.BlockResponse
	if err := c.do(req, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// FinalizeBlob commits the staged blocks
func (c *Client) FinalizeBlob(ctx context.Context, scope simplerecords.RecordScope) (*api.RecordResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.recordURL(scope, "/blob", nil), nil)
	if err != nil {
		return nil, err
	}
	var rec api.RecordResponse
	if err := c.do(req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UploadFile uploads the file at path through the staged protocol, sending
// up to parallelism blocks of blockSize bytes at once.
func (c *Client) UploadFile(ctx context.Context, scope simplerecords.RecordScope, path, mimeType string, blockSize int64, parallelism int) (*api.RecordResponse, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if _, err := c.CreateBlob(ctx, scope, info.Name(), mimeType); err != nil {
		return nil, fmt.Errorf("failed to create blob: %w", err)
	}

	// An empty file still gets one (empty) block so there is something to commit.
	blocks := int((info.Size() + blockSize - 1) / blockSize)
	if blocks == 0 {
		blocks = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i := 0; i < blocks; i++ {
		offset := int64(i) * blockSize
		size := min(blockSize, info.Size()-offset)
		g.Go(func() error {
			if _, err := c.StageBlock(gctx, scope, i, io.NewSectionReader(f, offset, size), size); err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return c.FinalizeBlob(ctx, scope)
}

// PostMatrix stores a matrix encoded as contentType
func (c *Client) PostMatrix(ctx context.Context, scope simplerecords.RecordScope, contentType string, body io.Reader) (*api.RecordResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.recordURL(scope, "/matrix", nil), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	var rec api.RecordResponse
	if err := c.do(req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecord streams the resolved record's content into w and returns its
// media type. accept picks the matrix encoding and may be empty.
func (c *Client) GetRecord(ctx context.Context, scope simplerecords.RecordScope, strict bool, accept string, w io.Writer) (string, error) {
	query := url.Values{}
	if strict {
		query.Set("strict", "true")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordURL(scope, "", query), nil)
	if err != nil {
		return "", err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", readError(req, resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", err
	}
	return resp.Header.Get("Content-Type"), nil
}
