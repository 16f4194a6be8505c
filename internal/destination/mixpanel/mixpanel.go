// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package mixpanel implements the destination adapter for the Mixpanel
// ingestion API.
package mixpanel

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
const Name = "mixpanel"

const defaultEndpoint = "https://api.mixpanel.com"

// pageViewEvent is the event name Mixpanel reserves for page views.
const pageViewEvent = "$mp_web_page_view"

var _ destination.Backend = &backend{}

type MixpanelError struct {
	err error
}

func (e *MixpanelError) Error() string {
	return "mixpanel: " + e.err.Error()
}

func (e *MixpanelError) Unwrap() error {
	return e.err
}

func (e *MixpanelError) Is(target error) bool {
	mpe, ok := target.(*MixpanelError)
	if !ok {
		return false
	}

	return e.err.Error() == mpe.err.Error()
}

// Config configures the Mixpanel destination.
type Config struct {
	// Token is the project token carried by every ingested record.
	Token string
	// Endpoint overrides the ingestion API base URL.
	Endpoint string
	// Client overrides the HTTP client used for every request.
	Client *http.Client
}

type backend struct {
	token    string
	endpoint string
	client   *http.Client

	distinctID atomic.Value
}

// NewAdapter returns the Adapter delivering calls to Mixpanel.
func NewAdapter(config Config, options destination.Options) (destination.Adapter, error) {
	if config.Token == "" {
		return nil, handleError(errors.New("missing project token"))
	}

	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}

	b := &backend{
		token:    config.Token,
		endpoint: baseURL(config.Endpoint, defaultEndpoint),
		client:   client,
	}
	b.distinctID.Store(uuid.NewString())

	return destination.NewAdapter(Name, b, options), nil
}

// NewFromProvider builds the adapter from a generic provider entry.
func NewFromProvider(provider config.Provider, options destination.Options) (destination.Adapter, error) {
	return NewAdapter(Config{
		Token:    provider.Credential,
		Endpoint: destination.StringOption(provider.Options, "endpoint", ""),
	}, options)
}

// ResourceID implements destination.Backend.
func (b *backend) ResourceID() string {
	return destination.ResourceKey("mixpanel/handshake", b.token)
}

// AcquireResource implements destination.Backend performing the one time
// reachability handshake with the ingestion API.
func (b *backend) AcquireResource(ctx context.Context) error {
	if err := b.handshake(ctx); err != nil {
		return handleError(err)
	}

	return nil
}

// Ready implements destination.Backend with a live ping, so polls observe
// the current API availability instead of the acquisition time one.
func (b *backend) Ready(ctx context.Context) bool {
	return b.handshake(ctx) == nil
}

func (b *backend) handshake(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/track?verbose=1", nil)
	if err != nil {
		return err
	}
	request.Header.Set("User-Agent", destination.UserAgent())

	response, err := b.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected handshake response with status %d", response.StatusCode)
	}

	return nil
}

// identifyTraits maps canonical profile keys to Mixpanel reserved profile
// property names.
var identifyTraits = map[string]string{
	"email":     "$email",
	"firstName": "$first_name",
	"lastName":  "$last_name",
	"name":      "$name",
	"phone":     "$phone",
	"created":   "$created",
	"avatar":    "$avatar",
}

type trackRecord struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
}

type engageRecord struct {
	Token      string         `json:"$token"`
	DistinctID string         `json:"$distinct_id"`
	Set        map[string]any `json:"$set"`
}

// Track implements destination.Backend. An event carrying its own user id or
// timestamp overrides the ingestion metadata stamp.
func (b *backend) Track(ctx context.Context, event destination.Event) error {
	properties := b.recordProperties(event.Properties)
	if event.UserID != "" {
		properties["distinct_id"] = event.UserID
	}
	if !event.Timestamp.IsZero() {
		properties["time"] = event.Timestamp.UnixMilli()
	}

	return b.deliver(ctx, "/track", []trackRecord{{
		Event:      event.Name,
		Properties: properties,
	}})
}

// Identify implements destination.Backend. The user identifier becomes the
// distinct id of every following call.
func (b *backend) Identify(ctx context.Context, identity destination.Identity) error {
	b.distinctID.Store(identity.UserID)

	return b.deliver(ctx, "/engage", []engageRecord{{
		Token:      b.token,
		DistinctID: identity.UserID,
		Set:        destination.RemapTraits(identity.Traits, identifyTraits),
	}})
}

// Page implements destination.Backend delivering the reserved page view
// event.
func (b *backend) Page(ctx context.Context, view destination.PageView) error {
	properties := destination.Properties{"page_title": view.Title}
	if view.URL != "" {
		properties["current_url"] = view.URL
	}

	return b.deliver(ctx, "/track", []trackRecord{{
		Event:      pageViewEvent,
		Properties: b.recordProperties(properties.Merge(view.Properties)),
	}})
}

// recordProperties stamps the ingestion metadata over the call properties.
func (b *backend) recordProperties(properties destination.Properties) map[string]any {
	stamped := properties.Merge(destination.Properties{
		"token":       b.token,
		"distinct_id": b.distinctID.Load().(string),
		"time":        time.Now().UnixMilli(),
		"$insert_id":  uuid.NewString(),
	})

	return stamped
}

type verboseResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// deliver posts records to the ingestion API and decodes its verbose answer.
func (b *backend) deliver(ctx context.Context, path string, records any) error {
	body, err := json.Marshal(records)
	if err != nil {
		return handleError(err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+path+"?verbose=1", bytes.NewReader(body))
	if err != nil {
		return handleError(err)
	}

	request.Header.Set("User-Agent", destination.UserAgent())
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := b.client.Do(request)
	if err != nil {
		return handleError(err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return handleError(fmt.Errorf("unexpected response with status %d", response.StatusCode))
	}

	var verbose verboseResponse
	if err := json.NewDecoder(response.Body).Decode(&verbose); err != nil {
		return handleError(err)
	}
	if verbose.Status != 1 {
		if verbose.Error == "" {
			verbose.Error = "record rejected"
		}

		return handleError(errors.New(verbose.Error))
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
	return &MixpanelError{err: err}
}
