package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	appLog "classcal/internal/log"
)

// Fetcher downloads the calendar feed. The payload is spooled to a
// temporary file rather than held in memory, and the file is removed on
// every exit path: a failed download, a failed copy, or the caller
// closing the returned reader after parsing.
type Fetcher struct {
	url     string
	client  *http.Client
	retries int
}

// NewFetcher builds a fetcher for the given feed URL. timeout bounds
// each individual download attempt; retries is the number of extra
// attempts after the first.
func NewFetcher(url string, timeout time.Duration, retries int) *Fetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Fetcher{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
	}
}

// Open fetches the feed and returns a reader over the complete payload.
// Closing the reader deletes the backing temp file.
func (f *Fetcher) Open(ctx context.Context) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			appLog.Info("ics fetch retry", "attempt", attempt, "url", redactURL(f.url))
		}

		rc, err := f.fetchOnce(ctx)
		if err == nil {
			return rc, nil
		}
		lastErr = err
		appLog.Error("ics fetch attempt failed", err, "attempt", attempt, "url", redactURL(f.url))
	}
	return nil, fmt.Errorf("fetch %s: %w", redactURL(f.url), lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(resp.Status)
	}

	tmp, err := os.CreateTemp("", "classcal-feed-*.ics")
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}

	return &tempPayload{File: tmp}, nil
}

// tempPayload removes its backing file on Close.
type tempPayload struct {
	*os.File
}

func (t *tempPayload) Close() error {
	name := t.Name()
	err := t.File.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}

// redactURL trims a feed URL down to its host for logging; feed URLs
// often embed access tokens in path or query.
func redactURL(u string) string {
	const redacted = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redacted
}
