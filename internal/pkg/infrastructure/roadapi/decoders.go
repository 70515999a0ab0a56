package roadapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/road-monitor-map/pkg/types"
)

type item map[string]json.RawMessage

type source struct {
	path string
	// list names the response field holding the items, empty for a bare array
	list     string
	id       string
	created  string
	position func(it item) (types.Position, error)
	keep     func(it item) bool
}

var sources = map[types.Category]source{
	types.CategoryCCTV: {
		path:     "/api/cctv/all",
		id:       "cctv_idx",
		created:  "created_at",
		position: flatPosition,
	},
	types.CategoryConstruction: {
		path:     "/api/construction/detail",
		list:     "constructions",
		id:       "control_idx",
		created:  "created_at",
		position: flatPosition,
	},
	types.CategoryFlood: {
		path:     "/api/road-control/all",
		id:       "control_idx",
		created:  "created_at",
		position: flatPosition,
		keep: func(it item) bool {
			return str(it["control_type"]) == "flood"
		},
	},
	types.CategoryRisk: {
		path:     "/api/risk/ranking",
		list:     "riskRankings",
		id:       "predIdx",
		position: nestedPosition("coordinates"),
	},
	types.CategoryComplaint: {
		path:     "/api/complaint/detail",
		list:     "complaints",
		id:       "c_report_idx",
		created:  "c_reported_at",
		position: flatPosition,
	},
	types.CategoryAlert: {
		path:    "/api/alert/recent",
		list:    "alerts",
		id:      "id",
		created: "sentAt",
		// positions are resolved by a separate lookup
		position: func(item) (types.Position, error) { return types.Position{}, nil },
	},
}

// decode turns a backend response into entities. Items without an id are
// skipped; coordinate validation is left to the store.
func (s source) decode(category types.Category, body []byte) ([]types.GeoEntity, error) {
	raw := json.RawMessage(body)

	if s.list != "" {
		envelope := item{}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, err
		}
		raw = envelope[s.list]
	}

	items := []item{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
	}

	entities := make([]types.GeoEntity, 0, len(items))

	for _, it := range items {
		if s.keep != nil && !s.keep(it) {
			continue
		}

		id := str(it[s.id])
		if id == "" {
			continue
		}

		pos, err := s.position(it)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", category, id, err)
		}

		payload, err := json.Marshal(it)
		if err != nil {
			return nil, err
		}

		entities = append(entities, types.GeoEntity{
			ID:        id,
			Category:  category,
			Position:  pos,
			Payload:   payload,
			CreatedAt: timestamp(it[s.created]),
		})
	}

	return entities, nil
}

func flatPosition(it item) (types.Position, error) {
	var lat, lon types.FlexFloat

	if err := unmarshalOptional(it["lat"], &lat); err != nil {
		return types.Position{}, err
	}
	if err := unmarshalOptional(it["lon"], &lon); err != nil {
		return types.Position{}, err
	}

	return types.Position{Latitude: float64(lat), Longitude: float64(lon)}, nil
}

func nestedPosition(field string) func(it item) (types.Position, error) {
	return func(it item) (types.Position, error) {
		nested := item{}
		if err := unmarshalOptional(it[field], &nested); err != nil {
			return types.Position{}, err
		}
		return flatPosition(nested)
	}
}

func decodeAlertLocation(body []byte) (types.Position, error) {
	loc := struct {
		Latitude  types.FlexFloat `json:"lat"`
		Longitude types.FlexFloat `json:"lon"`
	}{}

	if err := json.Unmarshal(body, &loc); err != nil {
		return types.Position{}, err
	}

	p := types.Position{Latitude: float64(loc.Latitude), Longitude: float64(loc.Longitude)}
	if !p.Valid() {
		return types.Position{}, fmt.Errorf("alert location (%v, %v) is not a valid position", p.Latitude, p.Longitude)
	}

	return p, nil
}

func unmarshalOptional(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// str returns raw as a string, accepting both JSON strings and numbers.
func str(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return strings.TrimSpace(string(raw))
}

func timestamp(raw json.RawMessage) time.Time {
	s := str(raw)
	if s == "" {
		return time.Time{}
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}

	return time.Time{}
}
