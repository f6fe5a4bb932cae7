package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allezon/pipeline/pkg/aggregate"
	"github.com/allezon/pipeline/pkg/profile"
	"github.com/allezon/pipeline/pkg/usertag"
)

const maxBodySize = 1 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Producer publishes accepted user tags to the event bus.
type Producer interface {
	Produce(ctx context.Context, tag *usertag.UserTag) error
}

// Store is the read side of the store gateway.
type Store interface {
	GetUserProfile(ctx context.Context, cookie string, q profile.Query) (*profile.Reply, error)
	GetAggregates(ctx context.Context, q *aggregate.Query) (*aggregate.Reply, error)
}

type apiMetrics struct {
	requestDuration *prometheus.HistogramVec
}

func newAPIMetrics(reg prometheus.Registerer) *apiMetrics {
	return &apiMetrics{
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "allezon_api_request_duration_seconds",
			Help:    "Time spent serving HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status_code"}),
	}
}

// API serves the ingest and query endpoints over HTTP.
type API struct {
	services.Service

	cfg      Config
	producer Producer
	store    Store
	logger   log.Logger
	metrics  *apiMetrics

	router *mux.Router
	server *http.Server
}

func New(cfg Config, producer Producer, store Store, logger log.Logger, reg prometheus.Registerer) *API {
	a := &API{
		cfg:      cfg,
		producer: producer,
		store:    store,
		logger:   log.With(logger, "component", "api"),
		metrics:  newAPIMetrics(reg),
	}

	a.router = mux.NewRouter()
	a.router.HandleFunc("/user_tags", a.instrument("user_tags", a.postUserTags)).Methods(http.MethodPost)
	a.router.HandleFunc("/user_profiles/{cookie}", a.instrument("user_profiles", a.postUserProfiles)).Methods(http.MethodPost)
	a.router.HandleFunc("/aggregates", a.instrument("aggregates", a.postAggregates)).Methods(http.MethodPost)
	a.router.HandleFunc("/healthz", a.getHealthz).Methods(http.MethodGet)
	if gatherer, ok := reg.(prometheus.Gatherer); ok {
		a.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	a.server = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      a.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	a.Service = services.NewBasicService(nil, a.running, a.stopping)
	return a
}

// Handler exposes the router for tests.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) running(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.ListenAndServe()
	}()

	level.Info(a.logger).Log("msg", "listening", "addr", a.cfg.ListenAddress)

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *API) stopping(error) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return a.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		a.metrics.requestDuration.
			WithLabelValues(route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	}
}

func (a *API) postUserTags(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return
	}

	tag, err := usertag.Unmarshal(body)
	if err != nil {
		http.Error(w, "malformed user tag: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := tag.Validate(); err != nil {
		http.Error(w, "invalid user tag: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.producer.Produce(r.Context(), tag); err != nil {
		level.Error(a.logger).Log("msg", "failed to produce user tag", "err", err)
		http.Error(w, "failed to enqueue user tag", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) postUserProfiles(w http.ResponseWriter, r *http.Request) {
	cookie := mux.Vars(r)["cookie"]

	q, err := profile.ParseQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := a.store.GetUserProfile(r.Context(), cookie, q)
	if err != nil {
		level.Error(a.logger).Log("msg", "failed to read user profile", "cookie", cookie, "err", err)
		http.Error(w, "failed to read user profile", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, reply)
}

func (a *API) postAggregates(w http.ResponseWriter, r *http.Request) {
	q, err := aggregate.ParseQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := a.store.GetAggregates(r.Context(), q)
	if err != nil {
		level.Error(a.logger).Log("msg", "failed to read aggregates", "err", err)
		http.Error(w, "failed to read aggregates", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, reply)
}

func (a *API) getHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(a.logger).Log("msg", "failed to encode response", "err", err)
	}
}
