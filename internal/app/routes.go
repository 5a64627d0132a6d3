package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/txttokindle/internal/handler"
	"github.com/txttokindle/internal/middleware"
	"github.com/txttokindle/internal/web"
)

func (app *App) routes(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)

	// Static files
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServerFS(web.StaticFS)))

	pages := handler.NewPageHandler(web.Templates, app.config.TurnstileSiteKey, app.config.MaxUploadBytes)
	r.Get("/", pages.Index)
	r.Get("/terms", pages.Terms)
	r.Get("/privacy", pages.Privacy)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimit(ctx, rate.Limit(app.config.FloodRPS), app.config.FloodBurst, 10*time.Minute, handler.ClientIP))

		if app.redis != nil {
			r.Get("/health", handler.Health(redisPinger{app.redis}))
		} else {
			r.Get("/health", handler.Health(nil))
		}

		sendHandler := handler.NewSendHandler(app.logger, app.service)
		r.Post("/send", sendHandler.Send)
	})

	return r
}
