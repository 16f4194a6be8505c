// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package posthog implements the destination adapter for the PostHog capture
// API. The vendor resource is the decide document answering feature flags and
// capture settings for the project key; the destination is ready once that
// document has been acquired.
package posthog

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
const Name = "posthog"

const (
	defaultHost = "https://us.i.posthog.com"

	// identifyEvent and pageViewEvent are the event names PostHog reserves
	// for profile updates and page views.
	identifyEvent = "$identify"
	pageViewEvent = "$pageview"
)

var _ destination.Backend = &backend{}

type PostHogError struct {
	err error
}

func (e *PostHogError) Error() string {
	return "posthog: " + e.err.Error()
}

func (e *PostHogError) Unwrap() error {
	return e.err
}

func (e *PostHogError) Is(target error) bool {
	phe, ok := target.(*PostHogError)
	if !ok {
		return false
	}

	return e.err.Error() == phe.err.Error()
}

// Config configures the PostHog destination.
type Config struct {
	// APIKey is the project key carried by every capture call.
	APIKey string
	// Host overrides the ingestion host base URL.
	Host string
	// Client overrides the HTTP client used for every request.
	Client *http.Client
}

// decideDocument is the slice of the decide response the backend cares about.
type decideDocument struct {
	Status int `json:"status"`
}

type backend struct {
	apiKey string
	host   string
	client *http.Client

	distinctID atomic.Value // string, replaced on identify
	decided    atomic.Bool
}

// NewAdapter returns the Adapter delivering calls to PostHog.
func NewAdapter(config Config, options destination.Options) (destination.Adapter, error) {
	if config.APIKey == "" {
		return nil, handleError(errors.New("missing api key"))
	}

	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}

	b := &backend{
		apiKey: config.APIKey,
		host:   baseURL(config.Host, defaultHost),
		client: client,
	}
	b.distinctID.Store(uuid.NewString())

	return destination.NewAdapter(Name, b, options), nil
}

// NewFromProvider builds the adapter from a generic provider entry.
func NewFromProvider(provider config.Provider, options destination.Options) (destination.Adapter, error) {
	return NewAdapter(Config{
		APIKey: provider.Credential,
		Host:   destination.StringOption(provider.Options, "host", ""),
	}, options)
}

// ResourceID implements destination.Backend.
func (b *backend) ResourceID() string {
	return destination.ResourceKey("posthog/decide", b.apiKey)
}

// AcquireResource implements destination.Backend posting the decide handshake
// for the project key.
func (b *backend) AcquireResource(ctx context.Context) error {
	return b.decide(ctx)
}

func (b *backend) decide(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"api_key":     b.apiKey,
		"distinct_id": b.distinctID.Load(),
	})
	if err != nil {
		return handleError(err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, b.host+"/decide?v=3", bytes.NewReader(body))
	if err != nil {
		return handleError(err)
	}
	request.Header.Set("User-Agent", destination.UserAgent())
	request.Header.Set("Content-Type", "application/json")

	response, err := b.client.Do(request)
	if err != nil {
		return handleError(err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return handleError(fmt.Errorf("unexpected decide response with status %d", response.StatusCode))
	}

	var document decideDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return handleError(err)
	}

	b.decided.Store(true)
	return nil
}

// Ready implements destination.Backend. The destination is callable once the
// decide handshake answered. An instance whose acquisition was satisfied by
// the shared resource cache never ran its own handshake, so the probe
// performs it itself.
func (b *backend) Ready(ctx context.Context) bool {
	if !b.decided.Load() {
		if err := b.decide(ctx); err != nil {
			return false
		}
	}

	return b.decided.Load()
}

// identifyTraits maps canonical profile keys to PostHog person property names.
var identifyTraits = map[string]string{
	"firstName": "first_name",
	"lastName":  "last_name",
	"avatar":    "avatar_url",
}

// Track implements destination.Backend. An event carrying its own user id or
// timestamp overrides the capture defaults.
func (b *backend) Track(ctx context.Context, event destination.Event) error {
	return b.capture(ctx, event.Name, event.UserID, event.Timestamp, event.Properties)
}

// Identify implements destination.Backend. Identified users become the
// distinct id of every following capture.
func (b *backend) Identify(ctx context.Context, identity destination.Identity) error {
	properties := destination.Properties{
		"$set": destination.RemapTraits(identity.Traits, identifyTraits),
	}

	b.distinctID.Store(identity.UserID)
	return b.capture(ctx, identifyEvent, identity.UserID, time.Time{}, properties)
}

// Page implements destination.Backend delivering the reserved page view event.
func (b *backend) Page(ctx context.Context, view destination.PageView) error {
	properties := destination.Properties{"title": view.Title}
	if view.URL != "" {
		properties["$current_url"] = view.URL
	}

	return b.capture(ctx, pageViewEvent, "", time.Time{}, properties.Merge(view.Properties))
}

// capture posts one event to the capture API.
func (b *backend) capture(ctx context.Context, event, distinctID string, at time.Time, properties destination.Properties) error {
	if distinctID == "" {
		distinctID = b.distinctID.Load().(string)
	}
	if at.IsZero() {
		at = time.Now()
	}

	body, err := json.Marshal(map[string]any{
		"api_key":     b.apiKey,
		"event":       event,
		"distinct_id": distinctID,
		"timestamp":   at.UTC().Format(time.RFC3339),
		"properties":  properties,
	})
	if err != nil {
		return handleError(err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, b.host+"/capture/", bytes.NewReader(body))
	if err != nil {
		return handleError(err)
	}
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
		if message, ok := decoded["error"].(string); ok && message != "" {
			return errors.New(message)
		}
	}

	return fmt.Errorf("unexpected response with status %d", response.StatusCode)
}

func handleError(err error) error {
	return &PostHogError{err: err}
}
