package database

import (
	"context"
	"errors"
	"testing"

	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/matryer/is"
)

func TestSaveAndLoadSnapshot(t *testing.T) {
	is, ctx, repo := setupTest(t)

	err := repo.SaveSnapshot(ctx, types.CategoryCCTV, 1, []types.GeoEntity{
		{ID: "2", Category: types.CategoryCCTV, Position: types.Position{Latitude: 35.2, Longitude: 127.0}},
		{ID: "1", Category: types.CategoryCCTV, Position: types.Position{Latitude: 35.1, Longitude: 126.9}, Payload: []byte(`{"cctv_name":"Sangmu"}`)},
	})
	is.NoErr(err)

	entities, err := repo.LoadSnapshot(ctx, types.CategoryCCTV)
	is.NoErr(err)
	is.Equal(len(entities), 2)
	is.Equal(entities[0].ID, "1")
	is.Equal(string(entities[0].Payload), `{"cctv_name":"Sangmu"}`)
	is.Equal(entities[1].Position.Longitude, 127.0)

	info, err := repo.GetSnapshotInfo(ctx, types.CategoryCCTV)
	is.NoErr(err)
	is.Equal(info.Size, 2)
	is.Equal(info.Seq, uint64(1))
}

func TestSaveSnapshotReplacesPreviousContent(t *testing.T) {
	is, ctx, repo := setupTest(t)

	is.NoErr(repo.SaveSnapshot(ctx, types.CategoryFlood, 1, []types.GeoEntity{
		{ID: "a", Category: types.CategoryFlood, Position: types.Position{Latitude: 35.1, Longitude: 126.9}},
		{ID: "b", Category: types.CategoryFlood, Position: types.Position{Latitude: 35.1, Longitude: 126.9}},
	}))
	is.NoErr(repo.SaveSnapshot(ctx, types.CategoryFlood, 2, []types.GeoEntity{
		{ID: "c", Category: types.CategoryFlood, Position: types.Position{Latitude: 35.1, Longitude: 126.9}},
	}))

	entities, err := repo.LoadSnapshot(ctx, types.CategoryFlood)
	is.NoErr(err)
	is.Equal(len(entities), 1)
	is.Equal(entities[0].ID, "c")
}

func TestOlderSnapshotIsIgnored(t *testing.T) {
	is, ctx, repo := setupTest(t)

	is.NoErr(repo.SaveSnapshot(ctx, types.CategoryRisk, 5, []types.GeoEntity{
		{ID: "new", Category: types.CategoryRisk, Position: types.Position{Latitude: 35.1, Longitude: 126.9}},
	}))
	is.NoErr(repo.SaveSnapshot(ctx, types.CategoryRisk, 3, []types.GeoEntity{
		{ID: "old", Category: types.CategoryRisk, Position: types.Position{Latitude: 35.1, Longitude: 126.9}},
	}))

	entities, _ := repo.LoadSnapshot(ctx, types.CategoryRisk)
	is.Equal(len(entities), 1)
	is.Equal(entities[0].ID, "new")
}

func TestMissingSnapshot(t *testing.T) {
	is, ctx, repo := setupTest(t)

	entities, err := repo.LoadSnapshot(ctx, types.CategoryAlert)
	is.NoErr(err)
	is.Equal(len(entities), 0)

	_, err = repo.GetSnapshotInfo(ctx, types.CategoryAlert)
	is.True(errors.Is(err, ErrNotFound))
}

func setupTest(t *testing.T) (*is.I, context.Context, SnapshotRepository) {
	is := is.New(t)
	ctx := context.Background()

	repo, err := NewSnapshotRepository(NewSQLiteConnector(ctx, ""))
	is.NoErr(err)

	return is, ctx, repo
}
