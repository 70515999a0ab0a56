package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/logging"
	"github.com/diwise/road-monitor-map/pkg/types"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

const EntityClickedType string = "road.entityClicked"

type EventSender interface {
	Send(ctx context.Context, evt types.EntityClicked) error
}

type subscriber struct {
	endpoint string
	patterns []*regexp.Regexp
}

// matches reports whether key is covered by any of the subscriber's id
// patterns. A subscriber without patterns receives everything.
func (s subscriber) matches(key types.EntityKey) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		if p.MatchString(string(key)) {
			return true
		}
	}
	return false
}

type eventSender struct {
	subscribers map[string][]subscriber
	client      cloudevents.Client
}

func New(cfg *Config) (EventSender, error) {
	e := &eventSender{
		subscribers: make(map[string][]subscriber),
	}

	if cfg != nil {
		for _, n := range cfg.Notifications {
			for _, sc := range n.Subscribers {
				s := subscriber{endpoint: sc.Endpoint}
				for _, info := range sc.Information {
					for _, ent := range info.Entities {
						re, err := regexp.Compile(ent.IDPattern)
						if err != nil {
							return nil, fmt.Errorf("invalid id pattern %q for %s: %w", ent.IDPattern, n.ID, err)
						}
						s.patterns = append(s.patterns, re)
					}
				}
				e.subscribers[n.Type] = append(e.subscribers[n.Type], s)
			}
		}
	}

	if len(e.subscribers) > 0 {
		c, err := cloudevents.NewClientHTTP()
		if err != nil {
			return nil, err
		}
		e.client = c
	}

	return e, nil
}

func (e *eventSender) Send(ctx context.Context, evt types.EntityClicked) error {
	subscribers := e.subscribers[EntityClickedType]
	if len(subscribers) == 0 {
		return nil
	}

	key := types.NewEntityKey(evt.Category, evt.EntityID)

	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%s:%d", key, evt.Timestamp.UnixNano()))
	event.SetTime(evt.Timestamp)
	event.SetSource("github.com/diwise/road-monitor-map")
	event.SetType(EntityClickedType)

	err := event.SetData(cloudevents.ApplicationJSON, evt)
	if err != nil {
		return err
	}

	logger := logging.GetLoggerFromContext(ctx)

	for _, s := range subscribers {
		if !s.matches(key) {
			continue
		}

		ctxWithTarget := cloudevents.ContextWithTarget(ctx, s.endpoint)

		result := e.client.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			logger.Error().Err(result).Msgf("failed to send event to %s", s.endpoint)
			err = fmt.Errorf("%w", result)
		}
	}

	return err
}

type EntityInfo struct {
	IDPattern string `yaml:"idPattern"`
}

type RegistrationInfo struct {
	Entities []EntityInfo `yaml:"entities"`
}

type SubscriberConfig struct {
	Endpoint    string             `yaml:"endpoint"`
	Information []RegistrationInfo `yaml:"information"`
}

type Notification struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

type Config struct {
	Notifications []Notification `yaml:"notifications"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
