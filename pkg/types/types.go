package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Category string

const (
	CategoryCCTV         Category = "cctv"
	CategoryConstruction Category = "construction"
	CategoryFlood        Category = "flood"
	CategoryRisk         Category = "risk"
	CategoryComplaint    Category = "complaint"
	CategoryAlert        Category = "alert"
)

// Categories lists every category in rendering order.
var Categories = []Category{
	CategoryCCTV, CategoryConstruction, CategoryFlood, CategoryRisk, CategoryComplaint, CategoryAlert,
}

// BaseCategories are the operational layers that must always reflect the latest upstream state.
var BaseCategories = []Category{CategoryCCTV, CategoryConstruction, CategoryFlood}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

func (c Category) IsBase() bool {
	return c == CategoryCCTV || c == CategoryConstruction || c == CategoryFlood
}

type Position struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

func (p Position) Valid() bool {
	for _, v := range []float64{p.Latitude, p.Longitude} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if p.Latitude == 0 && p.Longitude == 0 {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// Near reports whether both coordinates of o are within tolerance degrees of p.
func (p Position) Near(o Position, tolerance float64) bool {
	return math.Abs(p.Latitude-o.Latitude) <= tolerance && math.Abs(p.Longitude-o.Longitude) <= tolerance
}

type EntityKey string

func NewEntityKey(c Category, id string) EntityKey {
	return EntityKey(string(c) + "/" + id)
}

func (k EntityKey) Split() (Category, string, error) {
	c, id, ok := strings.Cut(string(k), "/")
	if !ok || id == "" {
		return "", "", fmt.Errorf("malformed entity key %q", k)
	}
	cat, err := ParseCategory(c)
	if err != nil {
		return "", "", err
	}
	return cat, id, nil
}

type GeoEntity struct {
	ID        string          `json:"id"`
	Category  Category        `json:"category"`
	Position  Position        `json:"position"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (e GeoEntity) Key() EntityKey {
	return NewEntityKey(e.Category, e.ID)
}

type Filter string

const (
	FilterAll          Filter = "all"
	FilterCCTV         Filter = Filter(CategoryCCTV)
	FilterConstruction Filter = Filter(CategoryConstruction)
	FilterFlood        Filter = Filter(CategoryFlood)
	FilterRisk         Filter = Filter(CategoryRisk)
	FilterComplaint    Filter = Filter(CategoryComplaint)
	FilterAlert        Filter = Filter(CategoryAlert)
)

func ParseFilter(s string) (Filter, error) {
	f := Filter(strings.ToLower(strings.TrimSpace(s)))
	if f == FilterAll {
		return f, nil
	}
	if _, err := ParseCategory(string(f)); err != nil {
		return "", fmt.Errorf("unknown filter %q", s)
	}
	return f, nil
}

// ShowFlags toggle the optional analysis layers independently of the filter selection.
type ShowFlags struct {
	Risk      bool `json:"risk"`
	Complaint bool `json:"complaint"`
}

// Flag returns the show flag guarding category c, and false when c has no flag.
func (sf ShowFlags) Flag(c Category) (value bool, hasFlag bool) {
	switch c {
	case CategoryRisk:
		return sf.Risk, true
	case CategoryComplaint:
		return sf.Complaint, true
	}
	return false, false
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "info"
}

// ParseSeverity maps the level strings used by the road backend, falling back to info.
func ParseSeverity(level string) Severity {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "low", "주의", "1":
		return SeverityLow
	case "medium", "warning", "경고", "2":
		return SeverityMedium
	case "high", "danger", "위험", "3":
		return SeverityHigh
	case "critical", "심각", "4":
		return SeverityCritical
	}
	return SeverityInfo
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		str = fmt.Sprint(n)
	}
	*s = ParseSeverity(str)
	return nil
}

type PopupContent struct {
	Title  string          `json:"title"`
	Entity *GeoEntity      `json:"entity,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Announcement struct {
	Position       Position  `json:"position"`
	Message        string    `json:"message"`
	Severity       Severity  `json:"severity"`
	RiskDetail     string    `json:"riskDetail,omitempty"`
	TotalRiskScore *float64  `json:"totalRiskScore,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// FlexFloat decodes a JSON number or a numeric string. The road backend sends
// coordinates either way depending on the table they come from.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", string(b), err)
	}

	*f = FlexFloat(v)
	return nil
}
