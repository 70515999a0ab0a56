package types

import "time"

type EntityClicked struct {
	Category  Category  `json:"category"`
	EntityID  string    `json:"entityID"`
	Position  Position  `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *EntityClicked) ContentType() string {
	return "application/json"
}
func (e *EntityClicked) TopicName() string {
	return "road.entityClicked"
}

// AnnouncementMessage is the payload carried on both announcement topics.
type AnnouncementMessage struct {
	Latitude       float64   `json:"lat"`
	Longitude      float64   `json:"lon"`
	Message        string    `json:"message"`
	Level          string    `json:"level"`
	RiskDetail     string    `json:"riskDetail,omitempty"`
	TotalRiskScore *float64  `json:"totalRiskScore,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

const (
	TopicRiskAlert     string = "road.riskAlert"
	TopicCitizenReport string = "road.citizenReport"
)
