// Package api talks to the replay archive's HTTP interface.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"github.com/parksync/parksync/internal/storage"
)

// Receipt is what the archive answers for a stored replay.
type Receipt struct {
	ID           string `json:"id"`
	SessionID    string `json:"sessionId"`
	Commands     uint64 `json:"commands"`
	LastOrderKey uint64 `json:"lastOrderKey"`
	Checksum     string `json:"checksum"`
}

// StatusError is a non-2xx answer from the archive.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Op, e.Status, e.Body)
}

// retryable reports whether another attempt may succeed. Client errors never
// change on retry.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Option configures a Client.
type Option func(*Client)

// WithRetries sets how often a failed upload is retried and the first
// backoff, which doubles per attempt.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = max(0, n)
		c.backoff = backoff
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client uploads exported replays to the archive.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retries    int
	backoff    time.Duration
}

// New creates a new API client.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retries:    2,
		backoff:    time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Healthcheck checks if the archive is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthcheck", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: "healthcheck", Status: resp.StatusCode}
	}
	return nil
}

// Upload sends an exported replay to the archive and checks that the
// receipt matches what was sent. Server errors are retried with backoff.
func (c *Client) Upload(ctx context.Context, path string, meta storage.UploadMetadata) (Receipt, error) {
	sum, err := checksum(path)
	if err != nil {
		return Receipt{}, err
	}

	backoff := c.backoff
	for attempt := 0; ; attempt++ {
		rec, err := c.upload(ctx, path, sum, meta)
		if err == nil {
			return rec, verify(rec, sum, meta)
		}
		if attempt >= c.retries || !retryable(err) {
			return Receipt{}, fmt.Errorf("upload of session %s failed after %d attempts: %w", meta.SessionID, attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *Client) upload(ctx context.Context, path, sum string, meta storage.UploadMetadata) (Receipt, error) {
	file, err := os.Open(path)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	defer pr.Close()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(form, file, filepath.Base(path), sum, meta))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/replays", pr)
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Receipt{}, &StatusError{Op: "upload", Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var rec Receipt
	if err := json.Unmarshal(body, &rec); err != nil {
		return Receipt{}, fmt.Errorf("decoding receipt: %w", err)
	}
	return rec, nil
}

func writeForm(form *multipart.Writer, file io.Reader, name, sum string, meta storage.UploadMetadata) error {
	fields := [][2]string{
		{"filename", name},
		{"sessionId", meta.SessionID},
		{"serverName", meta.ServerName},
		{"commands", strconv.FormatUint(meta.Commands, 10)},
		{"snapshots", strconv.FormatUint(meta.Snapshots, 10)},
		{"lastOrderKey", strconv.FormatUint(meta.LastOrderKey, 10)},
		{"durationMs", strconv.FormatInt(meta.Duration.Milliseconds(), 10)},
		{"checksum", sum},
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	part, err := form.CreateFormFile("replay", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return form.Close()
}

// checksum returns the hex BLAKE3 digest of the file at path.
func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verify rejects a receipt that does not describe the replay sent. Fields the
// archive left empty are not compared.
func verify(rec Receipt, sum string, meta storage.UploadMetadata) error {
	switch {
	case rec.SessionID != "" && rec.SessionID != meta.SessionID:
		return fmt.Errorf("archive stored session %s, sent %s", rec.SessionID, meta.SessionID)
	case rec.Checksum != "" && rec.Checksum != sum:
		return fmt.Errorf("archive checksum %s does not match %s", rec.Checksum, sum)
	case rec.Commands != 0 && rec.Commands != meta.Commands:
		return fmt.Errorf("archive counted %d commands, sent %d", rec.Commands, meta.Commands)
	case rec.LastOrderKey != 0 && rec.LastOrderKey != meta.LastOrderKey:
		return fmt.Errorf("archive ends at order key %d, sent %d", rec.LastOrderKey, meta.LastOrderKey)
	}
	return nil
}
