// Package registrar holds the HTTP clients for the domain registrar and the
// DNS provider. Both map their answers onto retryable or fatal provisioning
// errors.
package registrar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"

	"lastpush.com/pkg/xerr"
)

type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type client struct {
	http   *http.Client
	base   string
	apiKey string
}

func newClient(c Config) *client {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: c.Timeout,
		ForceAttemptHTTP2:     true,
	}
	return &client{
		http:   &http.Client{Timeout: c.Timeout, Transport: transport},
		base:   strings.TrimRight(c.BaseURL, "/"),
		apiKey: c.APIKey,
	}
}

type domainRequest struct {
	Domain string `json:"domain"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// post sends {"domain": d} to path and classifies the answer.
func (c *client) post(ctx context.Context, path, domain string) error {
	body, err := json.Marshal(domainRequest{Domain: domain})
	if err != nil {
		return xerr.Wrap(err, xerr.FatalProvisioning, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return xerr.Wrap(err, xerr.FatalProvisioning, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", path+":"+domain)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return xerr.Wrap(err, xerr.RetryableProvisioning, "provider unreachable")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := fmt.Sprintf("%s returned %d", path, resp.StatusCode)
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		if detail := firstNonEmpty(eb.Message, eb.Error); detail != "" {
			msg += ": " + detail
		}
	}
	return xerr.New(classify(resp.StatusCode), msg)
}

// classify: rate limiting, timeouts and server errors are worth another try;
// every other refusal is the provider's final word.
func classify(status int) int {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return xerr.RetryableProvisioning
	default:
		return xerr.FatalProvisioning
	}
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

// Registrar buys domains.
type Registrar struct{ c *client }

func NewRegistrar(c Config) *Registrar { return &Registrar{c: newClient(c)} }

func (r *Registrar) Purchase(ctx context.Context, domain string) error {
	return r.c.post(ctx, "/v1/domains/purchase", domain)
}

// DNS activates a purchased domain on the hosting edge.
type DNS struct{ c *client }

func NewDNS(c Config) *DNS { return &DNS{c: newClient(c)} }

func (d *DNS) Activate(ctx context.Context, domain string) error {
	return d.c.post(ctx, "/v1/zones/activate", domain)
}
