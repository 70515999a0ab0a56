package roadapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/matryer/is"
)

func TestFetchCCTV(t *testing.T) {
	is, ctx, c, _ := setupTest(t)

	entities, err := c.Fetch(ctx, types.CategoryCCTV)
	is.NoErr(err)
	is.Equal(len(entities), 2)
	is.Equal(entities[0].ID, "1")
	is.Equal(entities[0].Category, types.CategoryCCTV)
	is.Equal(entities[0].Position, types.Position{Latitude: 35.1, Longitude: 126.9})
	is.True(strings.Contains(string(entities[0].Payload), `"cctv_name":"Sangmu"`))
	is.Equal(entities[1].Position.Latitude, 35.2)
}

func TestFetchFloodKeepsOnlyFloodControls(t *testing.T) {
	is, ctx, c, _ := setupTest(t)

	entities, err := c.Fetch(ctx, types.CategoryFlood)
	is.NoErr(err)
	is.Equal(len(entities), 1)
	is.Equal(entities[0].ID, "11")
}

func TestFetchConstructionAndComplaintEnvelopes(t *testing.T) {
	is, ctx, c, _ := setupTest(t)

	constructions, err := c.Fetch(ctx, types.CategoryConstruction)
	is.NoErr(err)
	is.Equal(len(constructions), 1)
	is.True(constructions[0].CreatedAt.Equal(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)))

	complaints, err := c.Fetch(ctx, types.CategoryComplaint)
	is.NoErr(err)
	is.Equal(len(complaints), 1)
	is.Equal(complaints[0].ID, "77")
}

func TestFetchRiskUsesNestedCoordinates(t *testing.T) {
	is, ctx, c, _ := setupTest(t)

	entities, err := c.Fetch(ctx, types.CategoryRisk)
	is.NoErr(err)
	is.Equal(len(entities), 1)
	is.Equal(entities[0].ID, "5")
	is.Equal(entities[0].Position, types.Position{Latitude: 35.15, Longitude: 126.85})
}

func TestAlertLocationsAreLookedUpOnceAndCached(t *testing.T) {
	is, ctx, c, lookups := setupTest(t)

	entities, err := c.Fetch(ctx, types.CategoryAlert)
	is.NoErr(err)

	// alert 3 has no location and is left out
	is.Equal(len(entities), 2)
	is.Equal(entities[0].Position, types.Position{Latitude: 35.11, Longitude: 126.91})
	is.Equal(entities[1].Position.Latitude, 35.12)

	_, err = c.Fetch(ctx, types.CategoryAlert)
	is.NoErr(err)

	// one lookup per alert the first time, and only the missing one after that
	is.Equal(lookups.Load(), int32(4))
}

func TestFetchFailsOnServerError(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(context.Background(), Config{BaseURL: server.URL}, nil)

	_, err := c.Fetch(context.Background(), types.CategoryCCTV)
	is.True(errors.Is(err, ErrUnexpectedStatus))
}

func TestAlertIDIsEscapedInLocationPath(t *testing.T) {
	is := is.New(t)

	requested := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.URL.Path == "/api/alert/recent" {
			w.Write([]byte(`{"alerts":[{"id":"a/b c","message":"pothole"}]}`))
			return
		}

		requested <- r.URL.EscapedPath()
		w.Write([]byte(`{"lat":35.11,"lon":126.91}`))
	}))
	defer server.Close()

	c := New(context.Background(), Config{BaseURL: server.URL}, nil)

	entities, err := c.Fetch(context.Background(), types.CategoryAlert)
	is.NoErr(err)
	is.Equal(len(entities), 1)
	is.Equal(entities[0].ID, "a/b c")
	is.Equal(<-requested, "/api/alert/location/a%2Fb%20c")
}

func TestMemoryCacheExpires(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	cache := NewMemoryCache(time.Millisecond)
	cache.Set(ctx, "1", types.Position{Latitude: 35.1, Longitude: 126.9})

	_, ok := cache.Get(ctx, "1")
	is.True(ok)

	time.Sleep(5 * time.Millisecond)

	_, ok = cache.Get(ctx, "1")
	is.True(!ok)
}

func setupTest(t *testing.T) (*is.I, context.Context, *Client, *atomic.Int32) {
	is := is.New(t)
	lookups := &atomic.Int32{}

	responses := map[string]string{
		"/api/cctv/all":            `[{"cctv_idx":1,"cctv_name":"Sangmu","lat":"35.1","lon":"126.9"},{"cctv_idx":2,"lat":35.2,"lon":127.0}]`,
		"/api/road-control/all":    `[{"control_idx":10,"control_type":"construction","lat":"35.1","lon":"126.9"},{"control_idx":11,"control_type":"flood","lat":"35.3","lon":"126.8"}]`,
		"/api/construction/detail": `{"success":true,"constructions":[{"control_idx":10,"lat":35.1,"lon":126.9,"created_at":"2025-07-01T09:00:00.000Z"}]}`,
		"/api/complaint/detail":    `{"success":true,"complaints":[{"c_report_idx":77,"lat":35.16,"lon":126.9,"c_reported_at":null}]}`,
		"/api/risk/ranking":        `{"riskRankings":[{"rank":1,"predIdx":5,"totalRiskScore":87.5,"coordinates":{"lat":35.15,"lon":126.85}}]}`,
		"/api/alert/recent":        `{"alerts":[{"id":1,"message":"pothole","level":"경고"},{"id":2,"message":"ice","level":"주의"},{"id":3,"message":"lost"}]}`,
		"/api/alert/location/1":    `{"alertId":1,"lat":35.11,"lon":126.91,"anomalyType":"pothole"}`,
		"/api/alert/location/2":    `{"alertId":2,"lat":"35.12","lon":"126.92"}`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/alert/location/") {
			lookups.Add(1)
		}

		body, ok := responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	ctx := context.Background()
	return is, ctx, New(ctx, Config{BaseURL: server.URL + "/"}, nil), lookups
}
