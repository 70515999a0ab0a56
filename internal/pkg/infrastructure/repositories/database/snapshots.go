package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/road-monitor-map/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("not found")

type Snapshot struct {
	Category  string `gorm:"primaryKey"`
	Seq       uint64
	Size      int
	UpdatedAt time.Time
}

type SnapshotEntity struct {
	ID        uint   `gorm:"primaryKey"`
	Category  string `gorm:"uniqueIndex:idx_category_entity;not null"`
	EntityID  string `gorm:"uniqueIndex:idx_category_entity;not null"`
	Latitude  float64
	Longitude float64
	Payload   []byte
	Created   time.Time
}

type SnapshotRepository interface {
	SaveSnapshot(ctx context.Context, c types.Category, seq uint64, entities []types.GeoEntity) error
	LoadSnapshot(ctx context.Context, c types.Category) ([]types.GeoEntity, error)
	GetSnapshotInfo(ctx context.Context, c types.Category) (Snapshot, error)
}

type snapshotRepository struct {
	db *gorm.DB
}

func NewSnapshotRepository(connect ConnectorFunc) (SnapshotRepository, error) {
	db, err := connect()
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(&Snapshot{}, &SnapshotEntity{})
	if err != nil {
		return nil, err
	}

	return &snapshotRepository{db: db}, nil
}

// SaveSnapshot replaces the stored entities of category c. A snapshot older than
// the stored one is ignored.
func (r *snapshotRepository) SaveSnapshot(ctx context.Context, c types.Category, seq uint64, entities []types.GeoEntity) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := Snapshot{}
		result := tx.Where(&Snapshot{Category: string(c)}).Limit(1).Find(&current)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected > 0 && seq != 0 && current.Seq > seq {
			return nil
		}

		err := tx.Where("category = ?", string(c)).Delete(&SnapshotEntity{}).Error
		if err != nil {
			return err
		}

		rows := make([]SnapshotEntity, 0, len(entities))
		index := map[string]int{}

		for _, e := range entities {
			row := SnapshotEntity{
				Category:  string(c),
				EntityID:  e.ID,
				Latitude:  e.Position.Latitude,
				Longitude: e.Position.Longitude,
				Payload:   e.Payload,
				Created:   e.CreatedAt,
			}

			// the last occurrence of an id wins, like in the overlay store
			if i, seen := index[e.ID]; seen {
				rows[i] = row
				continue
			}

			index[e.ID] = len(rows)
			rows = append(rows, row)
		}

		if len(rows) > 0 {
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "category"}, {Name: "entity_id"}},
				UpdateAll: true,
			}).Create(&rows).Error
			if err != nil {
				return fmt.Errorf("could not store %s entities: %w", c, err)
			}
		}

		return tx.Save(&Snapshot{
			Category:  string(c),
			Seq:       seq,
			Size:      len(rows),
			UpdatedAt: time.Now().UTC(),
		}).Error
	})
}

func (r *snapshotRepository) LoadSnapshot(ctx context.Context, c types.Category) ([]types.GeoEntity, error) {
	rows := []SnapshotEntity{}

	err := r.db.WithContext(ctx).Where("category = ?", string(c)).Order("entity_id").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	entities := make([]types.GeoEntity, 0, len(rows))
	for _, row := range rows {
		entities = append(entities, types.GeoEntity{
			ID:        row.EntityID,
			Category:  c,
			Position:  types.Position{Latitude: row.Latitude, Longitude: row.Longitude},
			Payload:   row.Payload,
			CreatedAt: row.Created,
		})
	}

	return entities, nil
}

func (r *snapshotRepository) GetSnapshotInfo(ctx context.Context, c types.Category) (Snapshot, error) {
	s := Snapshot{}

	err := r.db.WithContext(ctx).First(&s, "category = ?", string(c)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, fmt.Errorf("no snapshot for %s: %w", c, ErrNotFound)
	}

	return s, err
}
