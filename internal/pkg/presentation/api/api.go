package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diwise/road-monitor-map/internal/pkg/application"
	"github.com/diwise/road-monitor-map/internal/pkg/application/overlay"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/logging"
	"github.com/diwise/road-monitor-map/internal/pkg/presentation/api/auth"
	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("road-monitor-map/api")

// Handlers groups the streaming endpoints that are served next to the REST api.
type Handlers struct {
	Scene   http.Handler
	Events  http.Handler
	Metrics http.Handler
}

func RegisterHandlers(ctx context.Context, router *chi.Mux, policies io.Reader, app application.App, handlers Handlers, opts ...auth.Option) (*chi.Mux, error) {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if handlers.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", handlers.Metrics)
	}

	authenticator, err := auth.NewAuthenticator(ctx, policies, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create api authenticator: %w", err)
	}

	router.Route("/api/v0/map", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authenticator.RequireAccess(auth.ScopeRead))

			r.Get("/scene", getSceneHandler(app))

			if handlers.Scene != nil {
				r.Method(http.MethodGet, "/ws", handlers.Scene)
			}
			if handlers.Events != nil {
				r.Method(http.MethodGet, "/events", handlers.Events)
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(authenticator.RequireAccess(auth.ScopeWrite))

			r.Put("/filter", putFilterHandler(app))
			r.Put("/flags", putShowFlagsHandler(app))
			r.Post("/refresh", refreshHandler(app))
			r.Post("/entities/{category}", addEntityHandler(app))
			r.Delete("/entities/{category}/{id}", removeEntityHandler(app))
			r.Post("/announcements", announceHandler(app))
		})

		r.Group(func(r chi.Router) {
			r.Use(authenticator.RequireAccess(auth.ScopeCommand))

			r.Post("/commands/{command}", invokeCommandHandler(app))
		})
	})

	return router, nil
}

func getSceneHandler(app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-scene")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		log := logging.GetLoggerFromContext(ctx)

		scene, err := app.Scene(ctx)
		if err != nil {
			log.Error().Err(err).Msg("unable to get scene")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, scene)
	}
}

func putFilterHandler(app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "set-filter")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		log := logging.GetLoggerFromContext(ctx)

		body := struct {
			Filter string `json:"filter"`
		}{}

		if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Error().Err(err).Msg("unable to unmarshal body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		filter, err := types.ParseFilter(body.Filter)
		if err != nil {
			log.Debug().Err(err).Msg("bad filter")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err = app.SetFilter(ctx, filter); err != nil {
			log.Error().Err(err).Msg("unable to set filter")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func putShowFlagsHandler(app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "set-show-flags")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		log := logging.GetLoggerFromContext(ctx)

		flags := types.ShowFlags{}
		if err = json.NewDecoder(r.Body).Decode(&flags); err != nil {
			log.Error().Err(err).Msg("unable to unmarshal body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err = app.SetShowFlags(ctx, flags); err != nil {
			log.Error().Err(err).Msg("unable to set show flags")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func refreshHandler(app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "refresh")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		log := logging.GetLoggerFromContext(ctx)

		categories := []types.Category{}

		if q := r.URL.Query().Get("category"); q != "" {
			for _, name := range strings.Split(q, ",") {
				var c types.Category
				c, err = types.ParseCategory(name)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				categories = append(categories, c)
			}
		}

		if err = app.Refresh(ctx, categories...); err != nil {
			log.Error().Err(err).Msg("refresh incomplete")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func addEntityHandler(app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "add-entity")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		log := logging.GetLoggerFromContext(ctx)

		c, err := types.ParseCategory(chi.URLParam(r, "category"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		e := types.GeoEntity{}
		if err = json.NewDecoder(r.Body).Decode(&e); err != nil {
			log.Error().Err(err).Msg("unable to unmarshal body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		e.Category = c

		err = app.AddEntity(ctx, e)
		if errors.Is(err, overlay.ErrMalformedEntity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("unable to add entity")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Location", fmt.Sprintf("/api/v0/map/entities/%s/%s", c, e.ID))
		w.WriteHeader(http.StatusCreated)
	}
}

func removeEntityHandler(app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "remove-entity")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		log := logging.GetLoggerFromContext(ctx)

		c, err := types.ParseCategory(chi.URLParam(r, "category"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		err = app.RemoveEntity(ctx, c, chi.URLParam(r, "id"))
		if errors.Is(err, application.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("unable to remove entity")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

type commandRequest struct {
	Latitude  *types.FlexFloat `json:"lat"`
	Longitude *types.FlexFloat `json:"lon"`
	ID        string           `json:"id,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
}

func invokeCommandHandler(app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		command := chi.URLParam(r, "command")

		ctx, span := tracer.Start(r.Context(), "invoke-command")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		log := logging.GetLoggerFromContext(ctx).With().Str("command", command).Logger()

		body := commandRequest{}
		if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Error().Err(err).Msg("unable to unmarshal body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		req := overlay.JumpRequest{EntityID: body.ID, Data: body.Data}
		if body.Latitude != nil && body.Longitude != nil {
			req.Position = types.Position{Latitude: float64(*body.Latitude), Longitude: float64(*body.Longitude)}
		}

		err = app.Invoke(ctx, command, req)

		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, overlay.ErrUnknownCommand):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, overlay.ErrSurfaceNotReady):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, overlay.ErrInvalidPosition):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			log.Error().Err(err).Msg("command failed")
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

type announcementRequest struct {
	types.AnnouncementMessage
	TTL string `json:"ttl,omitempty"`
}

func announceHandler(app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "announce")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		log := logging.GetLoggerFromContext(ctx)

		body := announcementRequest{}
		if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Error().Err(err).Msg("unable to unmarshal body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var ttl time.Duration
		if body.TTL != "" {
			if ttl, err = time.ParseDuration(body.TTL); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		shown, err := app.Announce(ctx, body.AnnouncementMessage, ttl)
		if errors.Is(err, overlay.ErrInvalidPosition) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("unable to show announcement")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"shown": shown})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
