// Copyright © 2025 Weather Flick <dev@weatherflick.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package apiclient centralizes every outbound provider call: key leasing,
// caching, throttling, retries and raw response capture all happen here so
// collectors never talk HTTP themselves.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/aicc6/weather-flick-batch-sub002/cache"
	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/keypool"
)

const (
	userAgent = "WeatherFlick-Batch/1.0 (Weather Travel Recommendation Service)"

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	retryBaseDelay    = time.Second

	// Largest endpoint payloads (KTO detailImage2) cap out around 30MB; the
	// read limit only guards against a runaway stream.
	maxBodyBytes    = 64 << 20
	rawSnippetLimit = 2048
)

// CallOptions tune one call. The zero value means: capture raw data, no
// caching, 30s timeout, 3 attempts 1s apart with exponential backoff.
type CallOptions struct {
	SkipRawCapture bool
	CacheTTL       time.Duration
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

func (o CallOptions) withDefaults() CallOptions {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = retryBaseDelay
	}
	return o
}

// Response is one successful provider exchange. Payload is response.body for
// KTO/KMA and the whole document for OpenWeatherMap.
type Response struct {
	Provider   common.Provider
	Endpoint   string
	Payload    json.RawMessage
	RawID      uuid.UUID // zero when capture was skipped
	FromCache  bool
	StatusCode int
	Duration   time.Duration
}

// IRawSink receives one record per completed exchange, before the caller sees
// the response. Implementations route records through the storage policy and
// queue; submission must not block for long.
type IRawSink interface {
	SubmitRaw(rec *common.RawRecord)
}

type Client struct {
	httpc    *http.Client
	keys     *keypool.Manager
	cache    *cache.Client
	gate     *Gate
	sink     IRawSink
	logger   common.ILogger
	baseURLs map[common.Provider]string

	totalCalls   atomic.Int64
	successCalls atomic.Int64
	failedCalls  atomic.Int64
	cacheHits    atomic.Int64
	callMicros   atomic.Int64
}

// NewClient wires the client against the key pool, cache and raw sink. cc and
// sink may be nil; the corresponding steps are skipped.
func NewClient(cfg common.ProviderSettings, keys *keypool.Manager, cc *cache.Client,
	sink IRawSink, logger common.ILogger) *Client {
	baseURLs := make(map[common.Provider]string, len(defaultBaseURLs))
	for p, u := range defaultBaseURLs {
		baseURLs[p] = u
	}
	for p, u := range cfg.BaseURLs {
		if u != "" {
			baseURLs[p] = u
		}
	}
	return &Client{
		httpc: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		keys:     keys,
		cache:    cc,
		gate:     NewGate(logger),
		sink:     sink,
		logger:   logger,
		baseURLs: baseURLs,
	}
}

// Call performs one logical provider request: cache lookup, then the network
// with per-attempt key leasing, gating and raw capture. Transport, timeout,
// rate-limit and auth failures retry with exponential backoff. Rate-limit and
// auth failures rotate to a different key because the failing one was reported
// to the pool first; transient failures report only once the retries are
// exhausted, so a single-key pool can still serve every attempt.
func (c *Client) Call(ctx context.Context, provider common.Provider, endpoint string,
	params url.Values, opts CallOptions) (*Response, error) {
	opts = opts.withDefaults()
	if params == nil {
		params = url.Values{}
	}

	cacheKey := CacheKey(provider, endpoint, params)
	if opts.CacheTTL > 0 && c.cache != nil {
		if data, ok := c.cache.Get(ctx, cacheKey); ok {
			c.cacheHits.Add(1)
			return &Response{
				Provider:   provider,
				Endpoint:   endpoint,
				Payload:    data,
				FromCache:  true,
				StatusCode: http.StatusOK,
			}, nil
		}
	}

	c.totalCalls.Add(1)
	start := time.Now()

	var resp *Response
	var lastLease keypool.LeasedKey
	var leased bool
	err := retry.Do(
		func() error {
			return c.gate.Do(ctx, provider, func() error {
				r, lease, err := c.roundTrip(ctx, provider, endpoint, params, opts)
				if lease.Hash != "" {
					lastLease, leased = lease, true
				}
				if err != nil {
					return err
				}
				resp = r
				return nil
			})
		},
		retry.Context(ctx),
		retry.Attempts(uint(opts.MaxRetries)),
		retry.Delay(opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableCallError),
	)

	elapsed := time.Since(start)
	c.callMicros.Add(elapsed.Microseconds())

	if err != nil {
		// The transient backoff lands on the key only now, after every
		// inline retry had its chance to reuse it. A NoKey or cancellation
		// ending says nothing about the key, so those never report.
		kind := common.ClassifyError(err)
		if leased && kind != common.EErrorKind.NoKey() && kind != common.EErrorKind.Cancelled() {
			if o := keypool.OutcomeForKind(kind); o == keypool.EOutcome.Transient() {
				c.keys.Report(lastLease, o)
			}
		}
		c.failedCalls.Add(1)
		c.logger.Log(common.ELogLevel.Error(), fmt.Sprintf(
			"provider call failed: %s/%s after %dms: %v",
			provider, endpoint, elapsed.Milliseconds(), err))
		return nil, err
	}

	c.successCalls.Add(1)
	resp.Duration = elapsed
	if opts.CacheTTL > 0 && c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, resp.Payload, opts.CacheTTL); err != nil {
			c.logger.Log(common.ELogLevel.Warning(),
				fmt.Sprintf("caching %s/%s failed: %v", provider, endpoint, err))
		}
	}
	c.logger.Log(common.ELogLevel.Info(), fmt.Sprintf(
		"provider call succeeded: %s/%s (%dms)", provider, endpoint, elapsed.Milliseconds()))
	return resp, nil
}

// retryableCallError keeps inline retries to failures another attempt can fix.
// Auth and rate-limit failures qualify because the pool rotated the key when
// they were reported; provider and parse errors never do.
func retryableCallError(err error) bool {
	switch common.ClassifyError(err) {
	case common.EErrorKind.Transport(), common.EErrorKind.Timeout(),
		common.EErrorKind.RateLimited(), common.EErrorKind.AuthFailed():
		return true
	}
	return false
}

// roundTrip is one network attempt: lease a key, issue the request, validate
// the reply, report the outcome and capture the raw exchange. Rate-limit and
// auth outcomes hit the pool here so the next attempt rotates; transient
// outcomes are left to Call, which reports once after its retries run out.
// The lease is returned either way so Call can file that final report.
func (c *Client) roundTrip(ctx context.Context, provider common.Provider, endpoint string,
	params url.Values, opts CallOptions) (*Response, keypool.LeasedKey, error) {
	lease, err := c.keys.Acquire(provider)
	if err != nil {
		return nil, lease, err
	}

	publicURL, signedURL, err := c.buildURL(provider, endpoint, params, lease.Value)
	if err != nil {
		return nil, lease, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, lease, common.WithKind(common.EErrorKind.Config(), err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	httpResp, err := c.httpc.Do(req)
	if err != nil {
		kind := common.ClassifyError(err)
		if kind == common.EErrorKind.Unknown() {
			kind = common.EErrorKind.Transport()
		}
		err = common.WithKind(kind, err)
		c.reportNonTransient(lease, kind)
		// No reply arrived; record the failure as a server-side error so
		// error-storage policies see it.
		c.capture(exchange{
			provider: provider, endpoint: endpoint, url: publicURL, params: params,
			body: errorDocument(err), status: http.StatusInternalServerError,
			duration: time.Since(started), keyHash: lease.Hash,
		}, opts)
		return nil, lease, err
	}
	defer httpResp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	duration := time.Since(started)
	if readErr != nil {
		kind := common.ClassifyError(readErr)
		if kind == common.EErrorKind.Unknown() {
			kind = common.EErrorKind.Transport()
		}
		err = common.WithKind(kind, readErr)
		c.reportNonTransient(lease, kind)
		c.capture(exchange{
			provider: provider, endpoint: endpoint, url: publicURL, params: params,
			body: errorDocument(err), status: http.StatusInternalServerError,
			duration: duration, keyHash: lease.Hash,
		}, opts)
		return nil, lease, err
	}

	if httpResp.StatusCode != http.StatusOK {
		kind := kindForHTTPStatus(httpResp.StatusCode)
		err = common.KindErrorf(kind, "%s/%s returned HTTP %d: %.200s",
			provider, endpoint, httpResp.StatusCode, body)
		c.reportNonTransient(lease, kind)
		c.capture(exchange{
			provider: provider, endpoint: endpoint, url: publicURL, params: params,
			body: normalizeJSON(body), size: int64(len(body)),
			status: httpResp.StatusCode, duration: duration, keyHash: lease.Hash,
		}, opts)
		return nil, lease, err
	}

	payload, err := extractPayload(provider, body)
	if err != nil {
		kind := common.ClassifyError(err)
		c.reportNonTransient(lease, kind)
		c.capture(exchange{
			provider: provider, endpoint: endpoint, url: publicURL, params: params,
			body: normalizeJSON(body), size: int64(len(body)),
			status: httpResp.StatusCode, duration: duration, keyHash: lease.Hash,
		}, opts)
		return nil, lease, err
	}

	c.keys.Report(lease, keypool.EOutcome.OK())
	rawID := c.capture(exchange{
		provider: provider, endpoint: endpoint, url: publicURL, params: params,
		body: normalizeJSON(body), size: int64(len(body)),
		status: httpResp.StatusCode, duration: duration, keyHash: lease.Hash,
	}, opts)

	return &Response{
		Provider:   provider,
		Endpoint:   endpoint,
		Payload:    payload,
		RawID:      rawID,
		StatusCode: httpResp.StatusCode,
		Duration:   duration,
	}, lease, nil
}

// reportNonTransient reports key-affecting outcomes immediately. Transient
// outcomes are left to Call, which reports once after its retries run out.
func (c *Client) reportNonTransient(lease keypool.LeasedKey, kind common.ErrorKind) {
	if o := keypool.OutcomeForKind(kind); o != keypool.EOutcome.Transient() {
		c.keys.Report(lease, o)
	}
}

// buildURL returns the request URL twice: signedURL carries the credential
// and goes on the wire, publicURL does not and is the only one ever stored or
// logged.
func (c *Client) buildURL(provider common.Provider, endpoint string, params url.Values,
	key string) (publicURL, signedURL string, err error) {
	base, ok := c.baseURLs[provider]
	if !ok || base == "" {
		return "", "", common.KindErrorf(common.EErrorKind.Config(),
			"no base URL configured for %s", provider)
	}
	full := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")

	publicURL = full
	if enc := params.Encode(); enc != "" {
		publicURL = full + "?" + enc
	}

	signed := make(url.Values, len(params)+1)
	for k, vs := range params {
		signed[k] = vs
	}
	signed.Set(authParam(provider), key)
	signedURL = full + "?" + signed.Encode()
	return publicURL, signedURL, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// exchange is everything the raw capture needs from one HTTP round trip.
type exchange struct {
	provider common.Provider
	endpoint string
	url      string
	params   url.Values
	body     json.RawMessage
	size     int64
	status   int
	duration time.Duration
	keyHash  string
}

// capture hands the exchange to the sink synchronously, so the record exists
// before the caller observes the response. Returns the record id, or zero
// when capture is off.
func (c *Client) capture(x exchange, opts CallOptions) uuid.UUID {
	if opts.SkipRawCapture || c.sink == nil {
		return uuid.Nil
	}
	if x.size == 0 {
		x.size = int64(len(x.body))
	}
	expires := time.Now().UTC().Add(rawExpiry(x.provider))
	rec := &common.RawRecord{
		ID:              uuid.New(),
		Provider:        x.provider,
		Endpoint:        x.endpoint,
		RequestURL:      x.url,
		RequestParams:   bagFromValues(x.params),
		Response:        x.body,
		ResponseSize:    x.size,
		StatusCode:      x.status,
		ExecutionTimeMS: float64(x.duration.Microseconds()) / 1000,
		APIKeyHash:      x.keyHash,
		ExpiresAt:       &expires,
		CreatedAt:       time.Now().UTC(),
	}
	c.sink.SubmitRaw(rec)
	return rec.ID
}

func bagFromValues(params url.Values) common.OpaqueBag {
	bag := make(common.OpaqueBag, len(params))
	for k, vs := range params {
		if len(vs) == 1 {
			bag[k] = vs[0]
		} else {
			bag[k] = vs
		}
	}
	return bag
}

// normalizeJSON makes any body safe for a JSONB column. Non-JSON bodies (XML
// gateway errors, HTML) are wrapped with a truncated copy of the text.
func normalizeJSON(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	snippet := string(trimmed)
	if len(snippet) > rawSnippetLimit {
		snippet = snippet[:rawSnippetLimit]
	}
	doc, err := json.Marshal(map[string]string{"raw": snippet})
	common.PanicIfErr(err)
	return doc
}

func errorDocument(err error) json.RawMessage {
	doc, merr := json.Marshal(map[string]string{
		"error":     err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	common.PanicIfErr(merr)
	return doc
}

// Stats snapshots call counters plus gate state for the monitoring surface.
func (c *Client) Stats() *common.ClientStats {
	total := c.totalCalls.Load()
	st := &common.ClientStats{
		TotalCalls:      total,
		SuccessfulCalls: c.successCalls.Load(),
		FailedCalls:     c.failedCalls.Load(),
		CacheHits:       c.cacheHits.Load(),
	}
	if total > 0 {
		st.SuccessRate = float64(st.SuccessfulCalls) / float64(total) * 100
		st.AvgResponseMs = float64(c.callMicros.Load()) / 1000 / float64(total)
	}
	c.gate.fill(st)
	return st
}
