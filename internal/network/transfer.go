package network

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	apperrors "github.com/substream/substream-go/internal/errors"
)

const chunkSize = 64 * 1024

// FetchRequest describes one ranged media transfer.
type FetchRequest struct {
	URL     string
	Headers map[string]string
	// Offset is the resume point in bytes; 0 starts a fresh transfer.
	Offset int64
	// Progress is invoked after each chunk write with total bytes in the
	// destination (including Offset) and the expected total, or -1 when the
	// server did not report a length.
	Progress func(written, total int64)
}

// FetchResult contains the outcome of a transfer.
type FetchResult struct {
	Written int64
	Total   int64
	Resumed bool
}

// Transfer performs ranged HTTP media transfers with cooperative
// cancellation between chunk writes and an optional bandwidth cap.
type Transfer struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewTransfer creates a transfer helper. bandwidthKBps of 0 means unlimited.
func NewTransfer(client *http.Client, bandwidthKBps int) *Transfer {
	if client == nil {
		client = GetDownloadClient()
	}

	var limiter *rate.Limiter
	if bandwidthKBps > 0 {
		bytesPerSec := bandwidthKBps * 1024
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
	}

	return &Transfer{client: client, limiter: limiter}
}

// SupportsResume checks if a URL supports HTTP Range requests
func (t *Transfer) SupportsResume(ctx context.Context, url string, headers map[string]string) (bool, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to create HEAD request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return false, 0, apperrors.NewTransientIOError("HEAD probe failed", err)
	}
	defer resp.Body.Close()

	supportsRange := resp.Header.Get("Accept-Ranges") == "bytes"
	return supportsRange, resp.ContentLength, nil
}

// Fetch streams the response body into dst chunk by chunk. Cancellation is
// observed between chunks only, so a chunk write is never torn by a cancel.
func (t *Transfer) Fetch(ctx context.Context, fr *FetchRequest, dst io.Writer) (*FetchResult, error) {
	result := &FetchResult{Written: fr.Offset, Resumed: fr.Offset > 0}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fr.URL, nil)
	if err != nil {
		return result, apperrors.NewPermanentIOError("failed to create request", err)
	}
	for key, value := range fr.Headers {
		req.Header.Set(key, value)
	}
	if fr.Offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", fr.Offset))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, apperrors.NewTransientIOError("download request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case fr.Offset > 0 && resp.StatusCode == http.StatusOK:
		// Server ignored the Range header; caller must truncate and restart.
		return result, apperrors.NewTransientIOError("server ignored range request", nil)
	case fr.Offset > 0 && resp.StatusCode != http.StatusPartialContent:
		return result, classifyStatus(resp.StatusCode)
	case fr.Offset == 0 && resp.StatusCode != http.StatusOK:
		return result, classifyStatus(resp.StatusCode)
	}

	result.Total = -1
	if resp.ContentLength >= 0 {
		result.Total = resp.ContentLength + fr.Offset
	}

	buffer := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			if t.limiter != nil {
				if err := t.limiter.WaitN(ctx, n); err != nil {
					return result, err
				}
			}
			if _, writeErr := dst.Write(buffer[:n]); writeErr != nil {
				return result, apperrors.NewPermanentIOError("failed to write chunk", writeErr)
			}
			result.Written += int64(n)

			if fr.Progress != nil {
				fr.Progress(result.Written, result.Total)
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, apperrors.NewTransientIOError("error reading response", readErr)
		}
	}

	if result.Total >= 0 && result.Written < result.Total {
		return result, apperrors.NewTransientIOError("download incomplete", nil)
	}

	return result, nil
}

// classifyStatus maps an HTTP status to the download error taxonomy.
// 4xx responses are permanent: retrying the same request cannot succeed.
func classifyStatus(status int) error {
	if status >= 400 && status < 500 {
		return apperrors.NewPermanentIOError(fmt.Sprintf("download refused with status %d", status), nil)
	}
	return apperrors.NewTransientIOError(fmt.Sprintf("download failed with status %d", status), nil)
}
