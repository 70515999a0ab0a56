package webevents

import (
	"encoding/json"
	"net/http"

	gosse "github.com/alexandrevicenzi/go-sse"
)

// WebEvents pushes map events to browsers subscribed on the SSE endpoint.
type WebEvents interface {
	Server() *gosse.Server
	Shutdown()
	Publish(event string, data any) error
}

type webEvents struct {
	s *gosse.Server
}

func New() WebEvents {
	return &webEvents{
		s: gosse.NewServer(&gosse.Options{
			RetryInterval: 3000,
			// every subscriber shares one channel regardless of the mount path
			ChannelNameFunc: func(*http.Request) string { return Channel },
			Headers: map[string]string{
				"Cache-Control": "no-cache",
			},
		}),
	}
}

func (we *webEvents) Server() *gosse.Server {
	return we.s
}

func (we *webEvents) Shutdown() {
	we.s.Shutdown()
}

func (we *webEvents) Publish(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	we.s.SendMessage(Channel, gosse.NewMessage("", string(b), event))

	return nil
}

const Channel string = "map"
