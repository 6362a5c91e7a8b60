package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/overseer-io/overseer/internal/observability/metrics"
)

// RouterServices holds the handlers wired into the HTTP router. Notify and
// Store are optional; their routes are omitted when nil.
type RouterServices struct {
	Jobs    *JobHandlers
	Default *DefaultHandlers
	Notify  *NotifyHandlers
	Store   *StoreHandlers

	Logger      *slog.Logger
	CORSEnabled bool
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	if services.CORSEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	if services.Jobs != nil {
		r.Post("/job", services.Jobs.Submit)
		r.Delete("/job", services.Jobs.Abort)
		r.Get("/report", services.Jobs.Report)
		r.Get("/progress", services.Jobs.Progress)
	}

	if services.Default != nil {
		r.Get("/ping", services.Default.Ping)
		r.Get("/ready", services.Default.ReadyCheck)
		r.Get("/status", services.Default.Status)
		r.Get("/identify", services.Default.Identify)
	}

	if services.Notify != nil {
		n := services.Notify
		r.Options("/", n.Topics)
		r.Get("/config", n.Config)
		r.Get("/ip", n.IP)
		r.Post("/registration", n.Register)
		r.Get("/registration", n.Registration)
		r.Delete("/registration", n.Deregister)
		r.Options("/registration", n.RegistrationOptions)
		r.Post("/subscription", n.Subscribe)
		r.Get("/subscription", n.Subscription)
		r.Delete("/subscription", n.Unsubscribe)
		r.Options("/subscription", n.SubscriptionOptions)
		r.Post("/notify", n.Notify)
	}

	if services.Store != nil {
		st := services.Store
		r.Get("/store", st.Fetch)
		r.Put("/store", st.Write)
		r.Delete("/store", st.Delete)
		r.Post("/store", st.Push)
		r.Get("/store/keys", st.Keys)
	}

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
