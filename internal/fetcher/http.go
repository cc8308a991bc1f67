package fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/batchdl/batchdl/internal/download"
	"github.com/batchdl/batchdl/internal/errors"
	"github.com/batchdl/batchdl/internal/logger"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	keepAlivePeriod       = 30 * time.Second
	maxIdleConns          = 100
	maxConnsPerHost       = 16

	copyBufferSize   = 32 * 1024
	progressInterval = 500 * time.Millisecond

	defaultFilename = "download"
)

// HTTP fetches items over HTTP(S) into a target directory.
type HTTP struct {
	client *http.Client
	dir    string
}

// NewHTTP creates an HTTP fetcher writing files into dir.
func NewHTTP(dir string) *HTTP {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultConnectTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		MaxIdleConns:       maxIdleConns,
		IdleConnTimeout:    defaultIdleTimeout,
		MaxConnsPerHost:    maxConnsPerHost,
		DisableCompression: true,
	}

	return &HTTP{
		client: &http.Client{Transport: transport},
		dir:    dir,
	}
}

// Fetch downloads the item's URL to disk, reporting progress as it goes.
// An already present file of the expected size is reported as a skip.
func (h *HTTP) Fetch(ctx context.Context, item *download.Download, report ProgressFunc) error {
	target := filepath.Join(h.dir, filenameFor(item))

	if item.EstimatedSize > 0 {
		if info, err := os.Stat(target); err == nil && info.Size() == item.EstimatedSize {
			logger.Debugf("target %s already present with expected size, skipping", target)
			return ErrSkip
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return errors.NewValidationError(err, item.URL)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errors.NewNetworkError(err, item.URL, true)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.Warnf("failed to close response body for %s: %v", item.URL, cerr)
		}
	}()

	if resp.StatusCode >= 400 {
		return errors.NewHTTPError(
			fmt.Errorf("unexpected status %s", resp.Status),
			item.URL,
			resp.StatusCode,
			retryAfter(resp),
		)
	}

	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return errors.NewSystemError(err, target)
	}

	f, err := os.Create(target)
	if err != nil {
		return errors.NewSystemError(err, target)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logger.Warnf("failed to close %s: %v", target, cerr)
		}
	}()

	return h.copyBody(ctx, item, resp, f, report)
}

func (h *HTTP) copyBody(ctx context.Context, item *download.Download, resp *http.Response, dst io.Writer, report ProgressFunc) error {
	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	var (
		done       int64
		windowed   int64
		lastReport = time.Now()
	)

	buf := make([]byte, copyBufferSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return errors.NewSystemError(writeErr, item.URL)
			}

			done += int64(n)
			windowed += int64(n)

			if report != nil && time.Since(lastReport) >= progressInterval {
				elapsed := time.Since(lastReport).Seconds()
				report(done, total, int64(float64(windowed)/elapsed))
				windowed = 0
				lastReport = time.Now()
			}
		}

		if readErr == io.EOF {
			if report != nil {
				report(done, total, 0)
			}
			return nil
		}
		if readErr != nil {
			if errors.Is(readErr, context.Canceled) || errors.Is(readErr, context.DeadlineExceeded) {
				return readErr
			}
			return errors.NewNetworkError(readErr, item.URL, true)
		}
	}
}

func filenameFor(item *download.Download) string {
	if name := item.Metadata["filename"]; name != "" {
		return name
	}

	if base := path.Base(item.URL); base != "." && base != "/" && base != "" {
		return base
	}

	return defaultFilename
}

// retryAfter parses the Retry-After header in its delay-seconds form.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}

	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}
