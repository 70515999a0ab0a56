package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/matryer/is"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type announcerFunc func(ctx context.Context, msg types.AnnouncementMessage, ttl time.Duration) (bool, error)

func (f announcerFunc) Announce(ctx context.Context, msg types.AnnouncementMessage, ttl time.Duration) (bool, error) {
	return f(ctx, msg, ttl)
}

func TestRiskAlertIsAnnounced(t *testing.T) {
	is, received, a := setupTest(t, nil)

	RiskAlertHandler(a)(context.Background(), amqp.Delivery{
		RoutingKey: types.TopicRiskAlert,
		Body:       []byte(`{"lat":35.15,"lon":"126.85","message":"위험 구간","level":"심각","riskDetail":"pothole","totalRiskScore":87.5}`),
	}, zerolog.Logger{})

	is.Equal(len(*received), 1)
	msg := (*received)[0]
	is.Equal(msg.Latitude, 35.15)
	is.Equal(msg.Longitude, 126.85)
	is.Equal(types.ParseSeverity(msg.Level), types.SeverityCritical)
	is.Equal(*msg.TotalRiskScore, 87.5)
}

func TestCitizenReportFallsBackToReportFields(t *testing.T) {
	is, received, a := setupTest(t, nil)

	CitizenReportHandler(a)(context.Background(), amqp.Delivery{
		RoutingKey: types.TopicCitizenReport,
		Body:       []byte(`{"reportId":42,"lat":"35.16","lon":"126.9","addr":"Gwangju","c_report_detail":"broken guard rail"}`),
	}, zerolog.Logger{})

	is.Equal(len(*received), 1)
	msg := (*received)[0]
	is.Equal(msg.Message, "broken guard rail")
	is.Equal(msg.RiskDetail, "Gwangju")
	is.Equal(types.ParseSeverity(msg.Level), types.SeverityMedium)
}

func TestMalformedMessageIsIgnored(t *testing.T) {
	is, received, a := setupTest(t, nil)

	RiskAlertHandler(a)(context.Background(), amqp.Delivery{Body: []byte(`{"lat":"north"}`)}, zerolog.Logger{})

	is.Equal(len(*received), 0)
}

func TestAnnouncerErrorsAreNotFatal(t *testing.T) {
	is, received, a := setupTest(t, errors.New("invalid position"))

	CitizenReportHandler(a)(context.Background(), amqp.Delivery{Body: []byte(`{"lat":0,"lon":0}`)}, zerolog.Logger{})

	is.Equal(len(*received), 1)
}

func setupTest(t *testing.T, err error) (*is.I, *[]types.AnnouncementMessage, Announcer) {
	is := is.New(t)
	received := []types.AnnouncementMessage{}

	a := announcerFunc(func(ctx context.Context, msg types.AnnouncementMessage, ttl time.Duration) (bool, error) {
		received = append(received, msg)
		return err == nil, err
	})

	return is, &received, a
}
