package http_retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/bariiss/hls-offline/cachestore"
	"github.com/bariiss/hls-offline/config"
	log "github.com/sirupsen/logrus"
)

// Client fetches upstream resources into memory, retrying transport errors
// and 5xx answers. Any other status is returned as a response, not an error.
type Client struct {
	http      *http.Client
	attempts  int
	delay     time.Duration
	userAgent string
}

type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.status)
}

func NewClient(attempts int) *Client {
	return NewClientWith(&DefaultHttpClient, attempts, config.Settings.RetryRequestDelay, config.Settings.UserAgent)
}

func NewClientWith(httpClient *http.Client, attempts int, delay time.Duration, userAgent string) *Client {
	if httpClient == nil {
		httpClient = &DefaultHttpClient
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Client{http: httpClient, attempts: attempts, delay: delay, userAgent: userAgent}
}

// Once returns a client sharing c's transport that makes a single attempt.
// Intercepted page requests use it so an offline fallback is not held up by
// retry delays.
func (c *Client) Once() *Client {
	single := *c
	single.attempts = 1
	return &single
}

// Fetch issues a GET for rawURL. header is forwarded as-is (Referer, Origin, Range...).
func (c *Client) Fetch(ctx context.Context, rawURL string, header http.Header) (*cachestore.Response, error) {
	var resp *cachestore.Response
	err := retry.Do(
		func() error {
			var err error
			resp, err = c.do(ctx, rawURL, header)
			if err != nil {
				return err
			}
			if resp.Status >= http.StatusInternalServerError {
				log.WithFields(log.Fields{"status": resp.Status, "url": rawURL}).Warn("upstream server error")
				return &statusError{status: resp.Status}
			}
			return nil
		},
		retry.Attempts(uint(c.attempts)),
		retry.Delay(c.delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return retry.IsRecoverable(err) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithField("url", rawURL).Debugf("Retrying request after error (attempt %d): %v", n+1, err)
		}),
	)

	var se *statusError
	if errors.As(err, &se) && resp != nil {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, rawURL string, header http.Header) (*cachestore.Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	for name, values := range header {
		for _, value := range values {
			request.Header.Add(name, value)
		}
	}
	if request.Header.Get("User-Agent") == "" && c.userAgent != "" {
		request.Header.Set("User-Agent", c.userAgent)
	}

	httpResp, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}
	body, err := readResponse(httpResp)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return &cachestore.Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header.Clone(),
		Body:   body,
	}, nil
}

func readResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
