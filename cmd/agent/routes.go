package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (app *application) routes() http.Handler {
	mux := chi.NewRouter()

	mux.NotFound(app.notFound)
	mux.MethodNotAllowed(app.methodNotAllowed)

	mux.Use(app.traceID)
	mux.Use(app.logAccess)
	mux.Use(app.recoverPanic)

	mux.Use(app.CORS)

	mux.Get("/api/v1/status", app.handleStatus)

	mux.Get("/api/v1/session", app.handleSession)
	mux.Post("/api/v1/session/start", app.handleStartSession)
	mux.Post("/api/v1/session/stop", app.handleStopSession)
	mux.Post("/api/v1/session/pause", app.handleTogglePause)
	mux.Post("/api/v1/session/switch", app.handleSwitchTask)

	mux.Post("/api/v1/segments/validate", app.handleValidateSegments)

	mux.Get("/api/v1/assignments/grouped", app.handleGroupedAssignments)
	mux.Get("/api/v1/assignments/summary", app.handleAssignmentsSummary)

	mux.Put("/api/v1/token", app.handleUpdateToken)

	app.logger.Debug("routes configured", "routes", chiRoutesToStrings(mux.Routes()))

	return mux
}

func chiRoutesToStrings(routes []chi.Route) []string {
	parsedRoutes := make([]string, 0, len(routes))
	for _, route := range routes {
		parsedRoutes = append(parsedRoutes, route.Pattern)
	}
	return parsedRoutes
}
