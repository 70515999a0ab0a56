package notifications

import (
	"context"
	"encoding/json"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/road-monitor-map/pkg/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type Announcer interface {
	Announce(ctx context.Context, msg types.AnnouncementMessage, ttl time.Duration) (bool, error)
}

// incoming is the wire format of both announcement topics. Coordinates may be
// sent as numbers or strings.
type incoming struct {
	Latitude       types.FlexFloat `json:"lat"`
	Longitude      types.FlexFloat `json:"lon"`
	Message        string          `json:"message"`
	Level          string          `json:"level"`
	RiskDetail     string          `json:"riskDetail"`
	TotalRiskScore *float64        `json:"totalRiskScore"`
	Timestamp      time.Time       `json:"timestamp"`

	// citizen reports
	ReportID json.RawMessage `json:"reportId"`
	Address  string          `json:"addr"`
	Detail   string          `json:"c_report_detail"`
}

func (in incoming) toMessage(defaultLevel string) types.AnnouncementMessage {
	msg := types.AnnouncementMessage{
		Latitude:       float64(in.Latitude),
		Longitude:      float64(in.Longitude),
		Message:        in.Message,
		Level:          in.Level,
		RiskDetail:     in.RiskDetail,
		TotalRiskScore: in.TotalRiskScore,
		Timestamp:      in.Timestamp,
	}

	if msg.Level == "" {
		msg.Level = defaultLevel
	}
	if msg.Message == "" {
		msg.Message = in.Detail
	}
	if msg.RiskDetail == "" {
		msg.RiskDetail = in.Address
	}

	return msg
}

func RiskAlertHandler(a Announcer) messaging.TopicMessageHandler {
	return newAnnouncementHandler(a, types.SeverityHigh.String())
}

func CitizenReportHandler(a Announcer) messaging.TopicMessageHandler {
	return newAnnouncementHandler(a, types.SeverityMedium.String())
}

func newAnnouncementHandler(a Announcer, defaultLevel string) messaging.TopicMessageHandler {
	return func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
		in := incoming{}

		err := json.Unmarshal(msg.Body, &in)
		if err != nil {
			logger.Error().Err(err).Msgf("failed to unmarshal message from %s", msg.RoutingKey)
			return
		}

		logger = logger.With().Str("topic", msg.RoutingKey).Logger()

		shown, err := a.Announce(ctx, in.toMessage(defaultLevel), 0)
		if err != nil {
			logger.Error().Err(err).Msg("could not show announcement")
			return
		}

		if !shown {
			logger.Info().Msg("map not mounted, announcement dropped")
			return
		}

		logger.Debug().Msgf("%s handled", msg.RoutingKey)
	}
}
