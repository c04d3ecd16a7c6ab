// Package upstreamhttp is the concrete net/http + SSE implementation of
// edge.UpstreamClient, grounded on the teacher's CallFeatureApi
// (feature_api.go) for request shape/header conventions and SseDataSource
// (datasource_sse.go) for the streaming connection setup.
package upstreamhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"

	edge "github.com/flagedge/flagedge"
)

const (
	userAgent          = "flagedge/1"
	minSSEBufferSize   = 64 * 1024
	maxSSEBufferSize   = 10 * 1024 * 1024
	eventConnected     = "unleash-connected"
	eventUpdated       = "unleash-updated"
	eventFeatureRemove = "unleash-feature-removed"
)

// Client is the HTTP/SSE upstream implementation. Its zero value is not
// usable; construct with New.
type Client struct {
	httpClient *http.Client
	baseURL    string

	appName      string
	instanceID   string
	connectionID string
	specVersion  string
	headers      map[string]string

	requestTimeout time.Duration
	uploadTimeout  time.Duration

	logger *slog.Logger
}

// Options bundles Client construction parameters, kept distinct from
// edge.Config so this package never needs to import the core's
// functional-option machinery.
type Options struct {
	HTTPClient     *http.Client
	AppName        string
	InstanceID     string
	ConnectionID   string
	SpecVersion    string
	Headers        map[string]string
	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	Logger         *slog.Logger
}

// New builds a Client against baseURL (e.g. "https://edge.example.com").
func New(baseURL string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	uploadTimeout := opts.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = 3 * time.Second
	}
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		appName:        opts.AppName,
		instanceID:     opts.InstanceID,
		connectionID:   opts.ConnectionID,
		specVersion:    opts.SpecVersion,
		headers:        opts.Headers,
		requestTimeout: requestTimeout,
		uploadTimeout:  uploadTimeout,
		logger:         logger.With("component", "upstream http client"),
	}
}

var _ edge.UpstreamClient = (*Client)(nil)

type wireFeature struct {
	Name         string         `json:"name"`
	Project      string         `json:"project"`
	Enabled      bool           `json:"enabled"`
	Strategies   []edge.Strategy `json:"strategies,omitempty"`
	Variants     []edge.Variant  `json:"variants,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

type wireFeaturesResponse struct {
	Features []wireFeature `json:"features"`
	Segments []edge.Segment `json:"segments"`
	Revision int           `json:"revision"`
}

func (r wireFeaturesResponse) toPayload() edge.FeaturePayload {
	features := make([]edge.FeatureDescriptor, len(r.Features))
	for i, f := range r.Features {
		features[i] = edge.FeatureDescriptor{
			Name:         f.Name,
			Project:      f.Project,
			Enabled:      f.Enabled,
			Strategies:   f.Strategies,
			Variants:     f.Variants,
			Dependencies: f.Dependencies,
		}
	}
	return edge.FeaturePayload{
		Features: features,
		Segments: r.Segments,
		Meta:     edge.FeaturePayloadMeta{Revision: r.Revision},
	}
}

// GetClientFeatures implements edge.UpstreamClient.
func (c *Client) GetClientFeatures(ctx context.Context, token edge.Token, etag string) (edge.FeaturePayload, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/client/features", http.NoBody)
	if err != nil {
		return edge.FeaturePayload{}, "", &edge.RetriableError{Err: err}
	}
	c.setCommonHeaders(req, token)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return edge.FeaturePayload{}, "", &edge.RetriableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return edge.FeaturePayload{}, etag, edge.ErrNotModified
	}

	if classified := classifyStatus(resp.StatusCode); classified != nil {
		return edge.FeaturePayload{}, "", classified
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return edge.FeaturePayload{}, "", &edge.ParseFailureError{Err: err}
	}

	var wire wireFeaturesResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return edge.FeaturePayload{}, "", &edge.ParseFailureError{Err: err}
	}

	return wire.toPayload(), resp.Header.Get("ETag"), nil
}

// GetClientFeaturesDelta implements edge.UpstreamClient's incremental
// polling path against a "/client/features/delta" endpoint keyed by
// revision rather than etag.
func (c *Client) GetClientFeaturesDelta(ctx context.Context, token edge.Token, sinceRevision int) (edge.FeaturePayload, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/client/features/delta?revision=%d", c.baseURL, sinceRevision)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return edge.FeaturePayload{}, &edge.RetriableError{Err: err}
	}
	c.setCommonHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return edge.FeaturePayload{}, &edge.RetriableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Upstreams without delta-polling support answer 404 for this path.
		return edge.FeaturePayload{}, edge.ErrNotSupported
	}
	if classified := classifyStatus(resp.StatusCode); classified != nil {
		return edge.FeaturePayload{}, classified
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return edge.FeaturePayload{}, &edge.ParseFailureError{Err: err}
	}
	var wire wireFeaturesResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return edge.FeaturePayload{}, &edge.ParseFailureError{Err: err}
	}
	return wire.toPayload(), nil
}

// RegisterAsClient implements edge.UpstreamClient's instance-data upload.
func (c *Client) RegisterAsClient(ctx context.Context, token edge.Token) error {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"appName":      c.appName,
		"instanceId":   c.instanceID,
		"connectionId": c.connectionID,
		"specVersion":  c.specVersion,
	})
	if err != nil {
		return &edge.ParseFailureError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/client/register", bytes.NewReader(body))
	if err != nil {
		return &edge.RetriableError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.setCommonHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "register-as-client failed", "error", err)
		return &edge.RetriableError{Err: err}
	}
	defer resp.Body.Close()
	if classified := classifyStatus(resp.StatusCode); classified != nil {
		c.logger.WarnContext(ctx, "register-as-client rejected", "status", resp.StatusCode)
		return classified
	}
	return nil
}

// OpenStream implements edge.UpstreamClient's SSE subscription. Each server
// event is decoded and translated into one or more edge.DeltaEvent values
// before being pushed onto the returned channel, which is closed when the
// connection ends for any reason.
func (c *Client) OpenStream(ctx context.Context, token edge.Token) (<-chan edge.DeltaEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/client/streaming", http.NoBody)
	if err != nil {
		return nil, &edge.RetriableError{Err: err}
	}
	c.setCommonHeaders(req, token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Cache-Control", "no-cache")

	sseClient := &sse.Client{HTTPClient: c.httpClient}
	conn := sseClient.NewConnection(req)
	buf := make([]byte, minSSEBufferSize)
	conn.Buffer(buf, maxSSEBufferSize)

	out := make(chan edge.DeltaEvent, 16)

	conn.SubscribeEvent(eventConnected, func(ev sse.Event) {
		c.emitHydration(out, ev)
	})
	conn.SubscribeEvent(eventUpdated, func(ev sse.Event) {
		c.emitDeltas(out, ev)
	})
	conn.SubscribeEvent(eventFeatureRemove, func(ev sse.Event) {
		c.emitFeatureRemoved(out, ev)
	})

	go func() {
		defer close(out)
		if err := conn.Connect(); err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "stream connection ended", "error", err)
		}
	}()

	return out, nil
}

type wireDeltaEvent struct {
	EventID   int          `json:"eventId"`
	Kind      string       `json:"type"`
	Feature   *wireFeature `json:"feature,omitempty"`
	Project   string       `json:"project,omitempty"`
	Name      string       `json:"name,omitempty"`
	Segment   *edge.Segment `json:"segment,omitempty"`
	SegmentID int          `json:"segmentId,omitempty"`
}

func (c *Client) emitHydration(out chan<- edge.DeltaEvent, ev sse.Event) {
	if ev.Data == "" {
		return
	}
	var wire wireFeaturesResponse
	if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
		c.logger.Error("failed to parse hydration event", "error", err)
		return
	}
	payload := wire.toPayload()
	out <- edge.DeltaEvent{
		Kind:     edge.DeltaHydration,
		EventID:  wire.Revision,
		Features: payload.Features,
		Segments: payload.Segments,
	}
}

// emitDeltas handles an "unleash-updated" event, whose body is either a full
// feature payload (a JSON object) or a batch of deltas (a JSON array) — an
// upstream may send either depending on how far the subscriber has fallen
// behind. An object body is routed through the same replace path as a
// "connected" hydration event rather than failing to unmarshal as a batch.
func (c *Client) emitDeltas(out chan<- edge.DeltaEvent, ev sse.Event) {
	if ev.Data == "" {
		return
	}
	if strings.HasPrefix(strings.TrimSpace(ev.Data), "{") {
		c.emitHydration(out, ev)
		return
	}
	var batch []wireDeltaEvent
	if err := json.Unmarshal([]byte(ev.Data), &batch); err != nil {
		c.logger.Error("failed to parse delta event batch", "error", err)
		return
	}
	for _, w := range batch {
		out <- w.toDeltaEvent()
	}
}

func (c *Client) emitFeatureRemoved(out chan<- edge.DeltaEvent, ev sse.Event) {
	if ev.Data == "" {
		return
	}
	var w wireDeltaEvent
	if err := json.Unmarshal([]byte(ev.Data), &w); err != nil {
		c.logger.Error("failed to parse feature-removed event", "error", err)
		return
	}
	w.Kind = "feature-removed"
	out <- w.toDeltaEvent()
}

func (w wireDeltaEvent) toDeltaEvent() edge.DeltaEvent {
	switch w.Kind {
	case "feature-updated":
		var f *edge.FeatureDescriptor
		if w.Feature != nil {
			fd := edge.FeatureDescriptor{
				Name:         w.Feature.Name,
				Project:      w.Feature.Project,
				Enabled:      w.Feature.Enabled,
				Strategies:   w.Feature.Strategies,
				Variants:     w.Feature.Variants,
				Dependencies: w.Feature.Dependencies,
			}
			f = &fd
		}
		return edge.DeltaEvent{Kind: edge.DeltaFeatureUpdated, EventID: w.EventID, Feature: f}
	case "feature-removed":
		return edge.DeltaEvent{Kind: edge.DeltaFeatureRemoved, EventID: w.EventID, Project: w.Project, Name: w.Name}
	case "segment-updated":
		return edge.DeltaEvent{Kind: edge.DeltaSegmentUpdated, EventID: w.EventID, Segment: w.Segment}
	case "segment-removed":
		return edge.DeltaEvent{Kind: edge.DeltaSegmentRemoved, EventID: w.EventID, SegmentID: w.SegmentID}
	default:
		return edge.DeltaEvent{Kind: edge.DeltaFeatureUpdated, EventID: w.EventID}
	}
}

func (c *Client) setCommonHeaders(req *http.Request, token edge.Token) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", token.Secret)
	if c.appName != "" {
		req.Header.Set("UNLEASH-APPNAME", c.appName)
	}
	if c.instanceID != "" {
		req.Header.Set("UNLEASH-INSTANCEID", c.instanceID)
	}
	if c.connectionID != "" {
		req.Header.Set("UNLEASH-CONNECTION-ID", c.connectionID)
	}
	if c.specVersion != "" {
		req.Header.Set("UNLEASH-CLIENT-SPEC", c.specVersion)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

// classifyStatus maps a non-2xx, non-304 HTTP status to one of the core's
// distinguished error categories (spec §7). Returns nil for 2xx.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &edge.AccessDeniedError{StatusCode: status}
	case status == http.StatusNotFound:
		return &edge.NotFoundError{StatusCode: status}
	case status == http.StatusTooManyRequests || status >= 500:
		return &edge.RetriableError{StatusCode: status}
	case status >= 400:
		return &edge.OtherClientError{StatusCode: status}
	default:
		return &edge.RetriableError{StatusCode: status}
	}
}
