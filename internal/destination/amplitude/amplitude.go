// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package amplitude implements the destination adapter for the Amplitude
// HTTP V2 API.
package amplitude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mia-platform/amux/internal/config"
	"github.com/mia-platform/amux/internal/destination"
)

// Name is the destination name the adapter registers under.
const Name = "amplitude"

const (
	defaultEndpoint  = "https://api2.amplitude.com"
	defaultStatusURL = "https://status.amplitude.com/api/v2/status.json"

	// pageViewEvent is the event type Amplitude reserves for page views.
	pageViewEvent = "[Amplitude] Page Viewed"
)

var _ destination.Backend = &backend{}

type AmplitudeError struct {
	err error
}

func (e *AmplitudeError) Error() string {
	return "amplitude: " + e.err.Error()
}

func (e *AmplitudeError) Unwrap() error {
	return e.err
}

func (e *AmplitudeError) Is(target error) bool {
	ape, ok := target.(*AmplitudeError)
	if !ok {
		return false
	}

	return e.err.Error() == ape.err.Error()
}

// Config configures the Amplitude destination.
type Config struct {
	// APIKey authenticates every ingested batch.
	APIKey string
	// Endpoint overrides the ingestion API base URL.
	Endpoint string
	// StatusURL overrides the availability document URL.
	StatusURL string
	// Client overrides the HTTP client used for every request.
	Client *http.Client
}

type backend struct {
	apiKey    string
	endpoint  string
	statusURL string
	client    *http.Client
	deviceID  string
}

// NewAdapter returns the Adapter delivering calls to Amplitude.
func NewAdapter(config Config, options destination.Options) (destination.Adapter, error) {
	if config.APIKey == "" {
		return nil, handleError(errors.New("missing api key"))
	}

	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}

	statusURL := config.StatusURL
	if statusURL == "" {
		statusURL = defaultStatusURL
	}

	return destination.NewAdapter(Name, &backend{
		apiKey:    config.APIKey,
		endpoint:  baseURL(config.Endpoint, defaultEndpoint),
		statusURL: statusURL,
		client:    client,
		deviceID:  uuid.NewString(),
	}, options), nil
}

// NewFromProvider builds the adapter from a generic provider entry.
func NewFromProvider(provider config.Provider, options destination.Options) (destination.Adapter, error) {
	return NewAdapter(Config{
		APIKey:    provider.Credential,
		Endpoint:  destination.StringOption(provider.Options, "endpoint", ""),
		StatusURL: destination.StringOption(provider.Options, "statusURL", ""),
	}, options)
}

// ResourceID implements destination.Backend.
func (b *backend) ResourceID() string {
	return destination.ResourceKey("amplitude/status", b.apiKey)
}

// AcquireResource implements destination.Backend fetching the availability
// document once.
func (b *backend) AcquireResource(ctx context.Context) error {
	if _, err := b.fetchIndicator(ctx); err != nil {
		return handleError(err)
	}

	return nil
}

// Ready implements destination.Backend: the destination is callable while
// the availability document reports no major incident.
func (b *backend) Ready(ctx context.Context) bool {
	indicator, err := b.fetchIndicator(ctx)
	if err != nil {
		return false
	}

	return indicator == "none" || indicator == "minor"
}

type statusDocument struct {
	Status struct {
		Indicator string `json:"indicator"`
	} `json:"status"`
}

func (b *backend) fetchIndicator(ctx context.Context) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, b.statusURL, nil)
	if err != nil {
		return "", err
	}
	request.Header.Set("User-Agent", destination.UserAgent())

	response, err := b.client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status response with status %d", response.StatusCode)
	}

	var document statusDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return "", err
	}

	return document.Status.Indicator, nil
}

// identifyTraits maps canonical profile keys to Amplitude user property
// names.
var identifyTraits = map[string]string{
	"firstName": "first_name",
	"lastName":  "last_name",
	"created":   "created_at",
}

type apiEvent struct {
	EventType       string         `json:"event_type"`
	DeviceID        string         `json:"device_id"`
	UserID          string         `json:"user_id,omitempty"`
	InsertID        string         `json:"insert_id"`
	Time            int64          `json:"time"`
	EventProperties map[string]any `json:"event_properties,omitempty"`
}

// Track implements destination.Backend.
func (b *backend) Track(ctx context.Context, event destination.Event) error {
	return b.ingest(ctx, apiEvent{
		EventType:       event.Name,
		DeviceID:        b.deviceID,
		UserID:          event.UserID,
		InsertID:        uuid.NewString(),
		Time:            event.OccurredAt().UnixMilli(),
		EventProperties: event.Properties,
	})
}

// Identify implements destination.Backend through the identify API.
func (b *backend) Identify(ctx context.Context, identity destination.Identity) error {
	identification, err := json.Marshal([]map[string]any{{
		"user_id":         identity.UserID,
		"device_id":       b.deviceID,
		"user_properties": destination.RemapTraits(identity.Traits, identifyTraits),
	}})
	if err != nil {
		return handleError(err)
	}

	form := url.Values{
		"api_key":        {b.apiKey},
		"identification": {string(identification)},
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/identify", strings.NewReader(form.Encode()))
	if err != nil {
		return handleError(err)
	}
	request.Header.Set("User-Agent", destination.UserAgent())
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := b.client.Do(request)
	if err != nil {
		return handleError(err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return handleError(fmt.Errorf("unexpected response with status %d", response.StatusCode))
	}

	return nil
}

// Page implements destination.Backend delivering the reserved page view
// event type.
func (b *backend) Page(ctx context.Context, view destination.PageView) error {
	properties := destination.Properties{"page_title": view.Title}
	if view.URL != "" {
		properties["page_url"] = view.URL
	}

	return b.ingest(ctx, apiEvent{
		EventType:       pageViewEvent,
		DeviceID:        b.deviceID,
		InsertID:        uuid.NewString(),
		Time:            time.Now().UnixMilli(),
		EventProperties: properties.Merge(view.Properties),
	})
}

type ingestResponse struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// ingest posts one event batch to the HTTP V2 API.
func (b *backend) ingest(ctx context.Context, event apiEvent) error {
	body, err := json.Marshal(map[string]any{
		"api_key": b.apiKey,
		"events":  []apiEvent{event},
	})
	if err != nil {
		return handleError(err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/2/httpapi", bytes.NewReader(body))
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
		var decoded ingestResponse
		if err := json.NewDecoder(response.Body).Decode(&decoded); err == nil && decoded.Error != "" {
			return handleError(errors.New(decoded.Error))
		}

		return handleError(fmt.Errorf("unexpected response with status %d", response.StatusCode))
	}

	return nil
}

func baseURL(override, fallback string) string {
	if override == "" {
		return fallback
	}

	return strings.TrimSuffix(override, "/")
}

func handleError(err error) error {
	return &AmplitudeError{err: err}
}
