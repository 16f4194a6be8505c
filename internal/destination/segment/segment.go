// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package segment implements the destination adapter for the Segment HTTP
// tracking API. The vendor resource is the per write key settings document
// served by the Segment CDN; the destination is ready once that document
// announces at least one integration.
package segment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mia-platform/amux/internal/config"
	"github.com/mia-platform/amux/internal/destination"
)

// Name is the destination name the adapter registers under.
const Name = "segment"

const (
	defaultEndpoint = "https://api.segment.io"
	defaultCDNURL   = "https://cdn.segment.com"
)

var _ destination.Backend = &backend{}

type SegmentError struct {
	err error
}

func (e *SegmentError) Error() string {
	return "segment: " + e.err.Error()
}

func (e *SegmentError) Unwrap() error {
	return e.err
}

func (e *SegmentError) Is(target error) bool {
	sge, ok := target.(*SegmentError)
	if !ok {
		return false
	}

	return e.err.Error() == sge.err.Error()
}

// Config configures the Segment destination.
type Config struct {
	// WriteKey authenticates every call against the tracking API.
	WriteKey string
	// Endpoint overrides the tracking API base URL.
	Endpoint string
	// CDNURL overrides the base URL of the CDN serving the settings document.
	CDNURL string
	// Client overrides the HTTP client used for every request.
	Client *http.Client
}

// settings is the slice of the CDN settings document the backend cares about.
type settings struct {
	Integrations map[string]any `json:"integrations"`
}

type backend struct {
	writeKey    string
	endpoint    string
	cdnURL      string
	client      *http.Client
	anonymousID string

	settings atomic.Pointer[settings]
}

// NewAdapter returns the Adapter delivering calls to Segment.
func NewAdapter(config Config, options destination.Options) (destination.Adapter, error) {
	if config.WriteKey == "" {
		return nil, handleError(errors.New("missing write key"))
	}

	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}

	return destination.NewAdapter(Name, &backend{
		writeKey:    config.WriteKey,
		endpoint:    baseURL(config.Endpoint, defaultEndpoint),
		cdnURL:      baseURL(config.CDNURL, defaultCDNURL),
		client:      client,
		anonymousID: uuid.NewString(),
	}, options), nil
}

// NewFromProvider builds the adapter from a generic provider entry.
func NewFromProvider(provider config.Provider, options destination.Options) (destination.Adapter, error) {
	return NewAdapter(Config{
		WriteKey: provider.Credential,
		Endpoint: destination.StringOption(provider.Options, "endpoint", ""),
		CDNURL:   destination.StringOption(provider.Options, "cdnURL", ""),
	}, options)
}

// ResourceID implements destination.Backend.
func (b *backend) ResourceID() string {
	return destination.ResourceKey("segment/settings", b.writeKey)
}

// AcquireResource implements destination.Backend fetching the settings
// document published for the write key.
func (b *backend) AcquireResource(ctx context.Context) error {
	return b.fetchSettings(ctx)
}

func (b *backend) fetchSettings(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/v1/projects/%s/settings", b.cdnURL, b.writeKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return handleError(err)
	}
	request.Header.Set("User-Agent", destination.UserAgent())

	response, err := b.client.Do(request)
	if err != nil {
		return handleError(err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return handleError(fmt.Errorf("unexpected settings response with status %d", response.StatusCode))
	}

	decoded := new(settings)
	if err := json.NewDecoder(response.Body).Decode(decoded); err != nil {
		return handleError(err)
	}

	b.settings.Store(decoded)
	return nil
}

// Ready implements destination.Backend. The destination is callable once the
// settings document announced at least one integration for the write key. An
// instance whose acquisition was satisfied by the shared resource cache never
// ran its own fetch, so the probe fetches the document itself.
func (b *backend) Ready(ctx context.Context) bool {
	if b.settings.Load() == nil {
		if err := b.fetchSettings(ctx); err != nil {
			return false
		}
	}

	decoded := b.settings.Load()
	return decoded != nil && len(decoded.Integrations) > 0
}

// identifyTraits maps canonical profile keys to Segment reserved trait names.
var identifyTraits = map[string]string{
	"created": "createdAt",
}

// message is the common shape of Segment tracking API payloads.
type message struct {
	MessageID   string                 `json:"messageId"`
	Timestamp   string                 `json:"timestamp"`
	AnonymousID string                 `json:"anonymousId"`
	UserID      string                 `json:"userId,omitempty"`
	Event       string                 `json:"event,omitempty"`
	Name        string                 `json:"name,omitempty"`
	Properties  destination.Properties `json:"properties,omitempty"`
	Traits      destination.Properties `json:"traits,omitempty"`
}

// Track implements destination.Backend.
func (b *backend) Track(ctx context.Context, event destination.Event) error {
	return b.send(ctx, "/v1/track", message{
		MessageID:   uuid.NewString(),
		Timestamp:   timestamp(event.OccurredAt()),
		AnonymousID: b.anonymousID,
		UserID:      event.UserID,
		Event:       event.Name,
		Properties:  event.Properties,
	})
}

// Identify implements destination.Backend.
func (b *backend) Identify(ctx context.Context, identity destination.Identity) error {
	return b.send(ctx, "/v1/identify", message{
		MessageID:   uuid.NewString(),
		Timestamp:   timestamp(time.Now()),
		AnonymousID: b.anonymousID,
		UserID:      identity.UserID,
		Traits:      destination.RemapTraits(identity.Traits, identifyTraits),
	})
}

// Page implements destination.Backend.
func (b *backend) Page(ctx context.Context, view destination.PageView) error {
	properties := view.Properties
	if view.URL != "" {
		properties = properties.Merge(destination.Properties{"url": view.URL})
	}

	return b.send(ctx, "/v1/page", message{
		MessageID:   uuid.NewString(),
		Timestamp:   timestamp(time.Now()),
		AnonymousID: b.anonymousID,
		Name:        view.Title,
		Properties:  properties,
	})
}

// send posts payload to the tracking API authenticating with the write key.
func (b *backend) send(ctx context.Context, path string, payload message) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return handleError(err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return handleError(err)
	}

	request.SetBasicAuth(b.writeKey, "")
	request.Header.Set("User-Agent", destination.UserAgent())
	request.Header.Set("Content-Type", "application/json")

	response, err := b.client.Do(request)
	if err != nil {
		return handleError(err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return handleError(responseError(response))
	}

	return nil
}

func timestamp(at time.Time) string {
	return at.UTC().Format(time.RFC3339)
}

func baseURL(override, fallback string) string {
	if override == "" {
		return fallback
	}

	return strings.TrimSuffix(override, "/")
}

// responseError extracts the error message advertised by the API, falling
// back to the status code when the body carries none.
func responseError(response *http.Response) error {
	var decoded map[string]any
	if err := json.NewDecoder(response.Body).Decode(&decoded); err == nil {
		if message, ok := decoded["message"].(string); ok {
			return errors.New(message)
		}
	}

	return fmt.Errorf("unexpected response with status %d", response.StatusCode)
}

func handleError(err error) error {
	return &SegmentError{err: err}
}
