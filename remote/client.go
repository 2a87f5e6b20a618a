package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carlosotero01/edge-portal/internal/config"
)

// Sample is the body returned by the temperature endpoint.
type Sample struct {
	ValueC    *float64 `json:"value_c"`
	Timestamp *string  `json:"timestamp"`
}

// Client defines the device operations required by the console.
type Client interface {
	Health(ctx context.Context) error
	Temperature(ctx context.Context) (Sample, error)
	SetPower(ctx context.Context, on bool) (bool, error)
	StreamURL(token string) string
	Close() error
}

// ClientFactory is responsible for creating device clients.
type ClientFactory func(cfg config.DeviceConfig) (Client, error)

type httpClient struct {
	base    *url.URL
	cfg     config.DeviceConfig
	http    *http.Client
	timeout time.Duration
}

// NewHTTPClientFactory returns a factory that creates HTTP device clients.
func NewHTTPClientFactory() ClientFactory {
	return func(cfg config.DeviceConfig) (Client, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("device base_url is required")
		}
		base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("parse device base_url: %w", err)
		}
		timeout := cfg.Timeout.Duration
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return &httpClient{
			base:    base,
			cfg:     cfg,
			http:    &http.Client{},
			timeout: timeout,
		}, nil
	}
}

func (c *httpClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *httpClient) do(ctx context.Context, method, target string) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		cancel()
		return nil, nil, transportError("build request", err)
	}
	req.Header.Set("Cache-Control", "no-cache, no-store")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, transportError(method+" "+target, err)
	}
	return resp, cancel, nil
}

// Health returns nil for any 2xx response.
func (c *httpClient) Health(ctx context.Context) error {
	resp, cancel, err := c.do(ctx, http.MethodGet, c.endpoint(c.cfg.HealthPath, nil))
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Status: resp.StatusCode}
	}
	return nil
}

// Temperature fetches and decodes the current sample.
func (c *httpClient) Temperature(ctx context.Context) (Sample, error) {
	resp, cancel, err := c.do(ctx, http.MethodGet, c.endpoint(c.cfg.TemperaturePath, nil))
	if err != nil {
		return Sample{}, err
	}
	defer cancel()
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Sample{}, &HTTPError{Status: resp.StatusCode}
	}
	var sample Sample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return Sample{}, transportError("decode temperature", err)
	}
	if sample.ValueC == nil {
		return Sample{}, &TransportError{Detail: "decode temperature: value_c missing"}
	}
	return sample, nil
}

type powerResponse struct {
	PowerOn bool `json:"powerOn"`
}

// SetPower switches the device power and returns the acknowledged state.
func (c *httpClient) SetPower(ctx context.Context, on bool) (bool, error) {
	query := url.Values{"powerOn": []string{strconv.FormatBool(on)}}
	resp, cancel, err := c.do(ctx, http.MethodPost, c.endpoint(c.cfg.PowerPath, query))
	if err != nil {
		return false, err
	}
	defer cancel()
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, &HTTPError{Status: resp.StatusCode}
	}
	var ack powerResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return false, transportError("decode power", err)
	}
	return ack.PowerOn, nil
}

// StreamURL builds the video URL carrying the cache-busting token.
func (c *httpClient) StreamURL(token string) string {
	var query url.Values
	if token != "" {
		query = url.Values{"t": []string{token}}
	}
	return c.endpoint(c.cfg.VideoPath, query)
}

func (c *httpClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
