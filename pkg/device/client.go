// Package device implements engine.DeviceClient against the FortiOS REST API.
package device

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/fortifleet/fortifleet/pkg/telemetry"
	"github.com/rs/zerolog"
)

const (
	// DefaultLightTimeout bounds single-object reads and mutations.
	DefaultLightTimeout = 10 * time.Second

	// DefaultHeavyTimeout bounds CLI commands and table scans.
	DefaultHeavyTimeout = 30 * time.Second

	// DefaultReadRetries is the number of retries for idempotent reads.
	DefaultReadRetries = 2

	defaultRetryDelay = 200 * time.Millisecond
	maxRetryDelay     = 2 * time.Second
	maxBodySize       = 4 << 20
)

// resource paths relative to /api/v2
var resourcePaths = map[engine.ResourceKind]string{
	engine.ResourceAddress:      "cmdb/firewall/address",
	engine.ResourceAddressGroup: "cmdb/firewall/addrgrp",
	engine.ResourcePolicy:       "cmdb/firewall/policy",
	engine.ResourceService:      "cmdb/firewall.service/custom",
}

const cliPath = "monitor/system/cli"

// Client talks to one FortiGate appliance on behalf of one target.
type Client struct {
	baseURL      string
	apiKey       string
	vdom         string
	httpClient   *http.Client
	lightTimeout time.Duration
	heavyTimeout time.Duration
	readRetries  int
	retryDelay   time.Duration
	fingerprint  string
	insecure     bool

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. TLS and fingerprint options are
// ignored when a custom client is supplied.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeouts sets the light and heavy call timeouts. Zero keeps the default.
func WithTimeouts(light, heavy time.Duration) Option {
	return func(c *Client) {
		if light > 0 {
			c.lightTimeout = light
		}
		if heavy > 0 {
			c.heavyTimeout = heavy
		}
	}
}

// WithReadRetries sets how often a failed read is retried. Mutations are never retried.
func WithReadRetries(n int, delay time.Duration) Option {
	return func(c *Client) {
		if n >= 0 {
			c.readRetries = n
		}
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

// WithFingerprint pins the appliance certificate by its SHA-256 fingerprint (hex).
func WithFingerprint(fp string) Option {
	return func(c *Client) {
		c.fingerprint = strings.ToLower(strings.ReplaceAll(fp, ":", ""))
	}
}

// WithInsecureTLS controls whether certificate chains are verified.
// Appliances usually present self-signed certificates, so the default is true.
func WithInsecureTLS(insecure bool) Option {
	return func(c *Client) {
		c.insecure = insecure
	}
}

// WithTelemetry records device calls as metrics and spans.
func WithTelemetry(metrics *telemetry.Metrics, tracer *telemetry.Tracer) Option {
	return func(c *Client) {
		c.metrics = metrics
		c.tracer = tracer
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for target.
func New(target *engine.Target, opts ...Option) (*Client, error) {
	if target == nil {
		return nil, engine.NewPermanentError("target is nil", nil).WithCode(engine.ErrCodeValidation)
	}
	if target.Host == "" || target.APIKey == "" {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("target %s has no host or API key", target.Name), nil).
			WithCode(engine.ErrCodeValidation)
	}

	c := &Client{
		baseURL:      baseURL(target.Host),
		apiKey:       target.APIKey,
		vdom:         target.EffectiveVDOM(),
		lightTimeout: DefaultLightTimeout,
		heavyTimeout: DefaultHeavyTimeout,
		readRetries:  DefaultReadRetries,
		retryDelay:   defaultRetryDelay,
		insecure:     true,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: c.transport()}
	}
	c.logger = c.logger.With().Str("component", "device").Str("host", target.Host).Logger()
	return c, nil
}

func baseURL(host string) string {
	host = strings.TrimSuffix(host, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return host + "/api/v2"
}

// transport builds the TLS transport, verifying the pinned fingerprint if set.
func (c *Client) transport() *http.Transport {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.insecure || c.fingerprint != "" {
		tlsCfg.InsecureSkipVerify = true
	}
	if c.fingerprint != "" {
		expected := c.fingerprint
		tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("appliance presented no certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if got := hex.EncodeToString(sum[:]); got != expected {
				return fmt.Errorf("certificate fingerprint mismatch: expected %s, got %s", expected, got)
			}
			return nil
		}
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsCfg,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Get implements engine.DeviceClient. Policies are looked up by name.
func (c *Client) Get(ctx context.Context, kind engine.ResourceKind, identifier string) (engine.Object, error) {
	base, err := pathFor(kind)
	if err != nil {
		return nil, err
	}

	path, query, timeout := base+"/"+url.PathEscape(identifier), url.Values{}, c.lightTimeout
	if kind == engine.ResourcePolicy {
		path = base
		query.Set("filter", "name=="+identifier)
		timeout = c.heavyTimeout
	}

	var body []byte
	err = c.retryRead(ctx, func() error {
		var callErr error
		body, callErr = c.call(ctx, "get", kind, http.MethodGet, path, query, nil, timeout)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, engine.NewPermanentError("invalid response from appliance", err).
			WithCode(engine.ErrCodeUpstream).WithUpstream(http.StatusOK, body)
	}
	obj, found, err := decodeObject(kind, env.Results)
	if err != nil {
		return nil, engine.NewPermanentError("invalid response from appliance", err).
			WithCode(engine.ErrCodeUpstream).WithUpstream(http.StatusOK, body)
	}
	if !found {
		return nil, notFound(kind, identifier)
	}
	return obj, nil
}

// Create implements engine.DeviceClient.
func (c *Client) Create(ctx context.Context, kind engine.ResourceKind, obj engine.Object) error {
	path, err := pathFor(kind)
	if err != nil {
		return err
	}
	payload, err := encodeObject(obj)
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("cannot encode %s", kind), err).WithCode(engine.ErrCodeValidation)
	}
	_, err = c.call(ctx, "create", kind, http.MethodPost, path, nil, payload, c.lightTimeout)
	return err
}

// Update implements engine.DeviceClient.
func (c *Client) Update(ctx context.Context, kind engine.ResourceKind, identifier string, obj engine.Object) error {
	path, err := pathFor(kind)
	if err != nil {
		return err
	}
	payload, err := encodeObject(obj)
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("cannot encode %s", kind), err).WithCode(engine.ErrCodeValidation)
	}
	_, err = c.call(ctx, "update", kind, http.MethodPut, path+"/"+url.PathEscape(identifier), nil, payload, c.lightTimeout)
	return err
}

// Delete implements engine.DeviceClient.
func (c *Client) Delete(ctx context.Context, kind engine.ResourceKind, identifier string) error {
	path, err := pathFor(kind)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "delete", kind, http.MethodDelete, path+"/"+url.PathEscape(identifier), nil, nil, c.lightTimeout)
	return err
}

// Move implements engine.DeviceClient.
func (c *Client) Move(ctx context.Context, kind engine.ResourceKind, identifier string, rel engine.MoveRelation, reference string) error {
	path, err := pathFor(kind)
	if err != nil {
		return err
	}
	if err := rel.Validate(); err != nil {
		return engine.NewPermanentError(err.Error(), nil).WithCode(engine.ErrCodeValidation)
	}
	query := url.Values{}
	query.Set("action", "move")
	query.Set(string(rel), reference)
	_, err = c.call(ctx, "move", kind, http.MethodPut, path+"/"+url.PathEscape(identifier), query, nil, c.lightTimeout)
	return err
}

// RunCommand implements engine.DeviceClient.
func (c *Client) RunCommand(ctx context.Context, command string) (string, error) {
	payload := map[string]string{
		"vdom":    c.vdom,
		"command": command,
	}
	body, err := c.call(ctx, "command", engine.ResourceCommand, http.MethodPost, cliPath, nil, payload, c.heavyTimeout)
	if err != nil {
		return "", err
	}
	return commandOutput(body), nil
}

// call performs one HTTP round trip and classifies failures.
func (c *Client) call(
	ctx context.Context,
	method string,
	kind engine.ResourceKind,
	httpMethod, path string,
	query url.Values,
	payload interface{},
	timeout time.Duration,
) ([]byte, error) {
	ctx, span := c.tracer.StartDeviceSpan(ctx, c.baseURL, method, string(kind))
	defer span.End()
	start := time.Now()

	body, err := c.do(ctx, httpMethod, path, query, payload, timeout)

	c.metrics.RecordDeviceCall(method, string(kind), time.Since(start))
	if err != nil {
		code := engine.ErrorCode(err)
		c.metrics.RecordDeviceError(method, code)
		telemetry.RecordError(span, err)
		c.logger.Debug().
			Err(err).
			Str("method", method).
			Str("resource", string(kind)).
			Str("code", code).
			Msg("Device call failed")
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return body, nil
}

func (c *Client) do(
	ctx context.Context,
	httpMethod, path string,
	query url.Values,
	payload interface{},
	timeout time.Duration,
) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if query == nil {
		query = url.Values{}
	}
	if path != cliPath {
		query.Set("vdom", c.vdom)
	}
	endpoint := c.baseURL + "/" + path
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, engine.NewPermanentError("failed to marshal request body", err).WithCode(engine.ErrCodeInternal)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reqBody)
	if err != nil {
		return nil, engine.NewPermanentError("failed to create request", err).WithCode(engine.ErrCodeInternal)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

// retryRead retries fn on transient failures with exponential backoff.
func (c *Client) retryRead(ctx context.Context, fn func() error) error {
	delay := c.retryDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !engine.IsRetryable(err) || attempt >= c.readRetries {
			return err
		}
		c.logger.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying read")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func pathFor(kind engine.ResourceKind) (string, error) {
	path, ok := resourcePaths[kind]
	if !ok {
		return "", engine.NewPermanentError(fmt.Sprintf("unsupported resource kind: %s", kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return path, nil
}

func notFound(kind engine.ResourceKind, identifier string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s %s not found", kind, identifier), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(identifier)
}

// transportError classifies errors that happened before a response arrived.
func transportError(err error) error {
	code := engine.ErrCodeNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = engine.ErrCodeTimeout
	}
	return engine.NewTransientError("network error", err).WithCode(code)
}

// statusError classifies a non-2xx response, keeping the body verbatim.
func statusError(status int, body []byte) error {
	var env envelope
	_ = json.Unmarshal(body, &env)

	message := env.ErrorDescription
	if message == "" {
		message = env.CLIError
	}
	if message == "" {
		message = fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
	}

	var ee *engine.EngineError
	switch {
	case status == http.StatusNotFound || env.errorNumber() == fosErrEntryNotFound:
		ee = engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeNotFound)
	case env.errorNumber() == fosErrDuplicate:
		ee = engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeAlreadyExists)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		ee = engine.NewPermanentError(message, nil).WithCode(engine.ErrCodePermissionDenied)
	case status == http.StatusTooManyRequests:
		ee = engine.NewThrottledError(message, nil).WithCode(engine.ErrCodeRateLimited)
	case status == http.StatusConflict:
		ee = engine.NewConflictError(message, nil).WithCode(engine.ErrCodeConflict)
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		ee = engine.NewTransientError(message, nil).WithCode(engine.ErrCodeUpstream)
	default:
		ee = engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeUpstream)
	}
	return ee.WithUpstream(status, body)
}
