package application

import (
	"context"
	"errors"
	"testing"
	"time"

	gosse "github.com/alexandrevicenzi/go-sse"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/road-monitor-map/internal/pkg/application/datasync"
	"github.com/diwise/road-monitor-map/internal/pkg/application/overlay"
	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

type fetcherFunc func(ctx context.Context, c types.Category) ([]types.GeoEntity, error)

func (f fetcherFunc) Fetch(ctx context.Context, c types.Category) ([]types.GeoEntity, error) {
	return f(ctx, c)
}

type published struct {
	event string
	data  any
}

type fakeWebEvents struct {
	events chan published
}

func (f *fakeWebEvents) Server() *gosse.Server { return nil }
func (f *fakeWebEvents) Shutdown()             {}
func (f *fakeWebEvents) Publish(event string, data any) error {
	f.events <- published{event, data}
	return nil
}

type publisherFunc func(ctx context.Context, message messaging.TopicMessage) error

func (f publisherFunc) PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error {
	return f(ctx, message)
}

func setupTest(t *testing.T) (*is.I, context.Context, App, *fakeWebEvents, chan messaging.TopicMessage) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := fetcherFunc(func(ctx context.Context, c types.Category) ([]types.GeoEntity, error) {
		return []types.GeoEntity{{
			ID:       "1",
			Category: c,
			Position: types.Position{Latitude: 35.1, Longitude: 126.9},
		}}, nil
	})

	engine := overlay.NewEngine(zerolog.Logger{}, overlay.DefaultConfig())
	loader := datasync.NewLoader(f, engine, datasync.WithRetryDelay(time.Millisecond))

	we := &fakeWebEvents{events: make(chan published, 10)}
	topics := make(chan messaging.TopicMessage, 10)
	p := publisherFunc(func(ctx context.Context, message messaging.TopicMessage) error {
		topics <- message
		return nil
	})

	a := New(engine, loader, nil, we, nil, p)
	is.NoErr(a.Start(ctx))
	t.Cleanup(a.Stop)

	return is, ctx, a, we, topics
}

func TestClickIsForwardedToWebAndTopic(t *testing.T) {
	is, _, a, we, topics := setupTest(t)

	a.(*app).entityClicked(types.CategoryRisk, types.GeoEntity{ID: "r1", Category: types.CategoryRisk})

	select {
	case evt := <-we.events:
		is.Equal(evt.event, "entityClicked")
		is.Equal(evt.data.(types.EntityClicked).EntityID, "r1")
	case <-time.After(time.Second):
		t.Fatal("no web event published")
	}

	select {
	case msg := <-topics:
		is.Equal(msg.TopicName(), "road.entityClicked")
	case <-time.After(time.Second):
		t.Fatal("nothing published on topic")
	}
}

func TestAnnouncementWithoutPositionIsRejected(t *testing.T) {
	is, ctx, a, _, _ := setupTest(t)

	_, err := a.Announce(ctx, types.AnnouncementMessage{Message: "nowhere"}, 0)
	is.True(errors.Is(err, overlay.ErrInvalidPosition))
}

func TestRemovingUnknownEntityIsNotFound(t *testing.T) {
	is, ctx, a, _, _ := setupTest(t)

	// outrun the initial load so it cannot replace the category afterwards
	is.NoErr(a.Refresh(ctx, types.CategoryConstruction))

	is.NoErr(a.AddEntity(ctx, types.GeoEntity{
		ID:       "c9",
		Category: types.CategoryConstruction,
		Position: types.Position{Latitude: 35.14, Longitude: 126.91},
	}))

	is.NoErr(a.RemoveEntity(ctx, types.CategoryConstruction, "c9"))
	is.True(errors.Is(a.RemoveEntity(ctx, types.CategoryConstruction, "c9"), ErrNotFound))
}

func TestStaleCategoryIsPublished(t *testing.T) {
	is, ctx, a, we, _ := setupTest(t)

	last := time.Now().UTC().Add(-time.Hour)
	a.(*app).categoryStale(ctx, types.CategoryFlood, last)

	evt := <-we.events
	is.Equal(evt.event, "categoryStale")
}
