// Package peers talks to remote archive servers over their REST API,
// mainly to push instances to them.
package peers

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/log"
)

// Peer describes one remote archive server.
type Peer struct {
	Name     string `yaml:"name" json:"name"`
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
	Insecure bool   `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// Client pushes instances to peers. Connection and timeout errors are
// retried with backoff; HTTP error responses are reported as-is.
type Client struct {
	client  *retryablehttp.Client
	timeout time.Duration
}

const (
	defaultRetryMax     = 3
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 5 * time.Second
	defaultTimeout      = 60 * time.Second
)

// NewClient creates a peer client with the default retry policy.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = defaultRetryMax
	client.RetryWaitMin = defaultRetryWaitMin
	client.RetryWaitMax = defaultRetryWaitMax
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	client.CheckRetry = retryPolicy

	return &Client{client: client, timeout: timeout}
}

// retryPolicy retries connection and timeout errors only; an HTTP error
// response is a definitive answer from the peer.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil {
		return false, nil
	}
	if err != nil {
		return true, nil //nolint:nilerr // retryablehttp reports the final error
	}
	return false, nil
}

// StoreInstance POSTs one encoded DICOM file to the peer's /instances
// endpoint.
func (c *Client) StoreInstance(ctx context.Context, peer Peer, dicom []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		peer.URL+"/instances", bytes.NewReader(dicom))
	if err != nil {
		return cerrors.Wrap(cerrors.CodeNetworkProtocol, err)
	}
	req.Header.Set("Content-Type", "application/dicom")
	if peer.Username != "" {
		req.SetBasicAuth(peer.Username, peer.Password)
	}

	client := c.client
	if peer.Insecure {
		client = c.insecureClient()
	}

	resp, err := client.Do(req)
	if err != nil {
		return cerrors.Wrap(cerrors.CodeNetworkProtocol,
			fmt.Errorf("peer %q unreachable: %w", peer.Name, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		log.Warn().Str("peer", peer.Name).Int("status", resp.StatusCode).Msg("Peer rejected instance")
		code := cerrors.CodeNetworkProtocol
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			code = cerrors.CodeUnauthorized
		}
		return cerrors.Newf(code, "peer %q answered %d", peer.Name, resp.StatusCode)
	}

	log.Debug().Str("peer", peer.Name).Int("size", len(dicom)).Msg("Instance stored on peer")
	return nil
}

// insecureClient clones the retry settings with TLS verification off, for
// peers with self-signed certificates.
func (c *Client) insecureClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = c.client.RetryMax
	client.RetryWaitMin = c.client.RetryWaitMin
	client.RetryWaitMax = c.client.RetryWaitMax
	client.Logger = nil
	client.CheckRetry = retryPolicy
	client.HTTPClient.Timeout = c.timeout
	client.HTTPClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // explicit per-peer opt-in
	}
	return client
}
