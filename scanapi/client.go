// Package scanapi is the documents, detection and statistics surface of the
// scanner API. It sends through the same session.Gateway contract as the
// account package, so both renew tokens through one shared Authority.
package scanapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-authgate/scan-cli/session"
)

const (
	documentsPath = "/documents/"
	detectPath    = "/detect/"
	statsPath     = "/stats/"
)

// Document is an uploaded file known to the server.
type Document struct {
	ID         int       `json:"id"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	Findings   int       `json:"findings"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Stats summarizes the account's usage. Unknown counters are kept in Extra.
type Stats struct {
	Documents int `json:"documents"`
	Scans     int `json:"scans"`
	Findings  int `json:"findings"`

	Extra map[string]any `json:"-"`
}

// Client calls the scanner endpoints.
type Client struct {
	gateway *session.Gateway
	log     *slog.Logger
}

// New returns a Client sending through g.
func New(g *session.Gateway, log *slog.Logger) *Client {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Client{gateway: g, log: log}
}

// ListDocuments returns the user's documents.
func (c *Client) ListDocuments(ctx context.Context) ([]Document, error) {
	var docs []Document
	if err := c.call(ctx, session.Get(documentsPath), &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Document returns one document.
func (c *Client) Document(ctx context.Context, id int) (*Document, error) {
	var doc Document
	if err := c.call(ctx, session.Get(documentPath(id)), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes a document.
func (c *Client) DeleteDocument(ctx context.Context, id int) error {
	return c.call(ctx, session.Delete(documentPath(id)), nil)
}

// Detect uploads content for scanning and returns the raw detection result.
// The whole upload is buffered so it can be replayed after a token refresh.
func (c *Client) Detect(ctx context.Context, filename string, content io.Reader) (json.RawMessage, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	n, err := io.Copy(part, content)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish upload body: %w", err)
	}

	c.log.Debug("uploading for detection", "file", filename, "bytes", n)
	var result json.RawMessage
	err = c.call(ctx, session.Request{
		Method:      http.MethodPost,
		Path:        detectPath,
		Body:        buf.Bytes(),
		ContentType: mw.FormDataContentType(),
	}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stats returns usage statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var raw map[string]any
	if err := c.call(ctx, session.Get(statsPath), &raw); err != nil {
		return nil, err
	}

	stats := &Stats{Extra: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "documents":
			stats.Documents = toInt(v)
		case "scans":
			stats.Scans = toInt(v)
		case "findings":
			stats.Findings = toInt(v)
		default:
			stats.Extra[k] = v
		}
	}
	return stats, nil
}

// call executes req and decodes a 2xx body into out. A 401 that survived the
// refresh and retry ends the session.
func (c *Client) call(ctx context.Context, req session.Request, out any) error {
	resp, err := c.gateway.Execute(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && resp.Attempts > 1 {
		c.gateway.Authority().Expire(session.ErrSessionExpired)
		return fmt.Errorf("%w: %w", session.ErrSessionExpired, resp.Err())
	}
	return resp.Decode(out)
}

func documentPath(id int) string {
	return documentsPath + strconv.Itoa(id) + "/"
}

func toInt(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}
