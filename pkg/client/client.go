package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var ErrUnknownCommand = errors.New("unknown map command")
var ErrMapNotReady = errors.New("no map is mounted")
var ErrBadRequest = errors.New("bad request")
var ErrUnauthorized = errors.New("unauthorized")

var tracer = otel.Tracer("road-monitor-map-client")

// MapClient lets other services drive the road monitor map.
type MapClient interface {
	JumpTo(ctx context.Context, c types.Category, req JumpRequest) error
	Announce(ctx context.Context, msg types.AnnouncementMessage, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, categories ...types.Category) error
}

type JumpRequest struct {
	Latitude  float64         `json:"lat"`
	Longitude float64         `json:"lon"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type mapClient struct {
	url        string
	httpClient *http.Client
}

// New creates a client for the map service at mapURL. When tokenURL is set the
// client authenticates with the client credentials flow.
func New(ctx context.Context, mapURL, tokenURL, clientID, clientSecret string) (MapClient, error) {
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   10 * time.Second,
	}

	if tokenURL != "" {
		oauthConfig := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}

		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

		token, err := oauthConfig.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get client credentials from %s: %w", tokenURL, err)
		}

		if !token.Valid() {
			return nil, fmt.Errorf("an invalid token was returned from %s", tokenURL)
		}

		httpClient = oauthConfig.Client(ctx)
	}

	return &mapClient{
		url:        strings.TrimSuffix(mapURL, "/"),
		httpClient: httpClient,
	}, nil
}

func CommandName(c types.Category) string {
	name := string(c)
	if name == "" {
		return ""
	}
	return "jumpTo" + strings.ToUpper(name[:1]) + name[1:] + "Marker"
}

func (mc *mapClient) JumpTo(ctx context.Context, c types.Category, req JumpRequest) error {
	var err error
	ctx, span := tracer.Start(ctx, "jump-to-marker")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, err = mc.post(ctx, "/api/v0/map/commands/"+CommandName(c), req, http.StatusAccepted)
	return err
}

func (mc *mapClient) Announce(ctx context.Context, msg types.AnnouncementMessage, ttl time.Duration) (bool, error) {
	var err error
	ctx, span := tracer.Start(ctx, "announce")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body := struct {
		types.AnnouncementMessage
		TTL string `json:"ttl,omitempty"`
	}{AnnouncementMessage: msg}

	if ttl > 0 {
		body.TTL = ttl.String()
	}

	respBody, err := mc.post(ctx, "/api/v0/map/announcements", body, http.StatusOK)
	if err != nil {
		return false, err
	}

	result := struct {
		Shown bool `json:"shown"`
	}{}

	if err = json.Unmarshal(respBody, &result); err != nil {
		err = fmt.Errorf("failed to unmarshal response body: %w", err)
		return false, err
	}

	return result.Shown, nil
}

func (mc *mapClient) Refresh(ctx context.Context, categories ...types.Category) error {
	var err error
	ctx, span := tracer.Start(ctx, "refresh")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	path := "/api/v0/map/refresh"
	if len(categories) > 0 {
		names := make([]string, 0, len(categories))
		for _, c := range categories {
			names = append(names, string(c))
		}
		path += "?category=" + url.QueryEscape(strings.Join(names, ","))
	}

	_, err = mc.post(ctx, path, nil, http.StatusNoContent)
	return err
}

func (mc *mapClient) post(ctx context.Context, path string, body any, expected int) ([]byte, error) {
	var reader io.Reader = http.NoBody

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mc.url+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := mc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case expected:
		return respBody, nil
	case http.StatusNotFound:
		return nil, ErrUnknownCommand
	case http.StatusServiceUnavailable:
		return nil, ErrMapNotReady
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%s: %w", strings.TrimSpace(string(respBody)), ErrBadRequest)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	}

	return nil, fmt.Errorf("request to %s failed with status code %d", path, resp.StatusCode)
}
