package session

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
)

// NewTransport builds the HTTP transport shared by the Authority and its
// Gateways. retries is the number of transport-level retries for 5xx, 429
// and connection errors; 0 disables them, so the only automatic replay is
// the one after a token refresh. Retry logs go to log, or nowhere when log
// is nil.
func NewTransport(retries int, log *slog.Logger) (*retry.Client, error) {
	if retries < 0 {
		return nil, fmt.Errorf("session: negative retry count %d", retries)
	}

	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	opts := []retry.Option{
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithMaxRetries(retries),
		retry.WithRetryableChecker(retryableChecker(retries)),
	}
	if log != nil {
		opts = append(opts, retry.WithLogger(retry.NewSlogAdapter(log)))
	} else {
		opts = append(opts, retry.WithNoLogging())
	}

	client, err := retry.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return client, nil
}

// retryableChecker keeps the library's 5xx/429 policy only when retries are
// enabled. With none, every response is final and reaches the caller as is.
func retryableChecker(retries int) retry.RetryableChecker {
	if retries == 0 {
		return func(error, *http.Response) bool { return false }
	}
	return retry.DefaultRetryableChecker
}

// settle turns the transport's result into a response or an error. Once
// retries run out on a retryable status the library reports a RetryError
// alongside the last response; that response is the server's answer and
// wins. A response paired with any other error is closed and dropped.
func settle(resp *http.Response, err error) (*http.Response, error) {
	if err == nil {
		return resp, nil
	}
	if resp == nil {
		return nil, err
	}
	var retryErr *retry.RetryError
	if errors.As(err, &retryErr) && retryErr.LastErr == nil {
		return resp, nil
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	return nil, err
}
