package roadapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/logging"
	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var ErrNotFound = errors.New("not found")
var ErrUnexpectedStatus = errors.New("unexpected response status")

var tracer = otel.Tracer("road-monitor-map/roadapi")

type Config struct {
	BaseURL      string        `yaml:"baseURL"`
	Timeout      time.Duration `yaml:"timeout"`
	ClientID     string        `yaml:"clientID"`
	ClientSecret string        `yaml:"clientSecret"`
	TokenURL     string        `yaml:"tokenURL"`
}

// Client fetches the map categories from the road backend. All requests share
// one circuit breaker so a failing backend is not hammered by every refresh.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	locations  LocationCache
}

func New(ctx context.Context, cfg Config, locations LocationCache) *Client {
	log := logging.GetLoggerFromContext(ctx)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}

	if cfg.ClientID != "" && cfg.TokenURL != "" {
		oauthConfig := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}

		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		httpClient = oauthConfig.Client(ctx)
		httpClient.Timeout = timeout
	}

	if locations == nil {
		locations = NewMemoryCache(10 * time.Minute)
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "road-backend",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Msgf("circuit breaker changed state from %s to %s", from, to)
		},
	})

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		breaker:    breaker,
		locations:  locations,
	}
}

// Fetch returns every entity the backend currently reports for category c.
func (c *Client) Fetch(ctx context.Context, category types.Category) ([]types.GeoEntity, error) {
	var err error

	ctx, span := tracer.Start(ctx, "fetch-"+string(category))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	src, ok := sources[category]
	if !ok {
		err = fmt.Errorf("no source for category %q", category)
		return nil, err
	}

	body, err := c.get(ctx, src.path)
	if err != nil {
		return nil, err
	}

	entities, err := src.decode(category, body)
	if err != nil {
		err = fmt.Errorf("failed to decode %s: %w", category, err)
		return nil, err
	}

	if category == types.CategoryAlert {
		entities = c.locateAlerts(ctx, entities)
	}

	return entities, nil
}

// locateAlerts resolves alert positions one request per alert, which is the only
// contract the backend offers. Results are cached.
func (c *Client) locateAlerts(ctx context.Context, alerts []types.GeoEntity) []types.GeoEntity {
	log := logging.GetLoggerFromContext(ctx)
	located := make([]types.GeoEntity, 0, len(alerts))

	for _, a := range alerts {
		pos, ok := c.locations.Get(ctx, a.ID)
		if !ok {
			var err error
			pos, err = c.alertLocation(ctx, a.ID)
			if err != nil {
				log.Warn().Err(err).Str("alertID", a.ID).Msg("could not locate alert")
				continue
			}
			c.locations.Set(ctx, a.ID, pos)
		}

		a.Position = pos
		located = append(located, a)
	}

	return located
}

func (c *Client) alertLocation(ctx context.Context, id string) (types.Position, error) {
	body, err := c.get(ctx, "/api/alert/location/"+url.PathEscape(id))
	if err != nil {
		return types.Position{}, err
	}

	return decodeAlertLocation(body)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create http request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s returned %d: %w", path, resp.StatusCode, ErrUnexpectedStatus)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		return body, nil
	})
}
