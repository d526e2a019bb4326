package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/tripwire/internal/postgres"
)

// maxBodyBytes bounds request bodies; event documents can carry raw log lines.
const maxBodyBytes = 256 << 10

// useRouteMiddleware installs the middleware that needs chi's routing
// context. observe may be nil when no database is configured.
func useRouteMiddleware(r chi.Router, observe func(route string, queries int)) {
	r.Use(middleware.Compress(5, "application/json"))

	// sets http.route on the logger and renames the active span
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(countQueries(observe))
	r.Use(httpmw.AccessLog())

	// 413 past the limit
	r.Use(httpmw.MaxBody(maxBodyBytes))
}

// countQueries labels database queries with the request method and reports
// how many queries each request issued, keyed by route pattern.
func countQueries(observe func(route string, queries int)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx, stats := postgres.WithStats(postgres.WithHTTPMethod(req.Context(), req.Method))
			next.ServeHTTP(w, req.WithContext(ctx))
			if observe == nil {
				return
			}
			route := "unknown"
			if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			queries, _, _ := stats.Totals()
			observe(route, queries)
		})
	}
}

// wrapHandler applies the outer middleware stack. Listed innermost first:
// the request logger sees the trace and route, while security headers and
// panic recovery sit outside everything else.
func wrapHandler(h http.Handler, L log.Logger, instrument func(http.Handler) http.Handler, mw httpmw.Config) http.Handler {
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !isProbe(r.URL.Path)
		}),
		// AnnotateHTTPRoute replaces this with the route pattern once routed
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = instrument(h)

	// resolved before anything downstream reads the client address
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: mw.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

func isProbe(path string) bool {
	return path == "/-/healthy" || path == "/-/ready"
}
