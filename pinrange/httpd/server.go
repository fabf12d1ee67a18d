// Package httpd serves a pinrange.Store over HTTP with the wire
// contract of a versioned S3-style object store.
//
// # Wire contract
//
//   - HEAD /{key} returns Content-Length, ETag, Accept-Ranges, and,
//     unless the server is configured non-versioned, x-amz-version-id.
//   - GET /{key} returns the object body; with a "Range: bytes=a-b"
//     header it returns 206 Partial Content plus Content-Range.
//   - A "versionId" query parameter selects an exact version,
//     regardless of the current version. Absent, the current version
//     at request time is served.
//   - Unknown keys or version ids yield 404; a range starting at or
//     past the content length yields 416. Error bodies are JSON.
//
// An admin endpoint, POST /admin/advance?key=K, writes the request
// body as a new current version (optionally after a delay), so a race
// can be reproduced against a live server from another process.
package httpd

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pithecene-io/pinrange/internal/httprange"
	"github.com/pithecene-io/pinrange/pinrange"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// VersionHeader is the response header carrying the serving version.
const VersionHeader = "x-amz-version-id"

// Server exposes a pinrange.Store over HTTP.
type Server struct {
	store       *pinrange.Store
	log         zerolog.Logger
	unversioned bool

	router   chi.Router
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	advances prometheus.Counter
	pinned   prometheus.Counter
}

// Option configures a Server.
type Option func(*Server)

// WithLogger attaches a request logger. The default discards.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithoutVersionHeaders makes the server behave like a non-versioned
// bucket: no x-amz-version-id headers and no versionId selection.
func WithoutVersionHeaders() Option {
	return func(s *Server) { s.unversioned = true }
}

// New creates a Server over the given store.
func New(store *pinrange.Store, opts ...Option) *Server {
	s := &Server{
		store:    store,
		log:      zerolog.Nop(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pinrange_httpd_requests_total",
		Help: "Object requests served, by method and status.",
	}, []string{"method", "status"})
	s.advances = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pinrange_httpd_version_advances_total",
		Help: "Version advances performed via the admin endpoint.",
	})
	s.pinned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pinrange_httpd_pinned_requests_total",
		Help: "Object requests carrying an explicit versionId selector.",
	})
	s.registry.MustRegister(s.requests, s.advances, s.pinned)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Post("/admin/advance", s.advance)
	r.Head("/*", s.object)
	r.Get("/*", s.object)
	s.router = r

	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) object(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")

	selector := ""
	if !s.unversioned {
		selector = r.URL.Query().Get("versionId")
		if selector != "" {
			s.pinned.Inc()
		}
	}

	v, err := s.store.Resolve(key, selector)
	if err != nil {
		s.error(w, r, http.StatusNotFound, key, selector, err)
		return
	}

	start, end := int64(0), v.Size-1
	status := http.StatusOK
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, err = httprange.Parse(rangeHeader, v.Size)
		switch err {
		case nil:
			status = http.StatusPartialContent
		case httprange.ErrUnsatisfiable:
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(v.Size, 10))
			s.error(w, r, http.StatusRequestedRangeNotSatisfiable, key, selector, err)
			return
		default:
			s.error(w, r, http.StatusBadRequest, key, selector, err)
			return
		}
	}

	length := end - start + 1
	if v.Size == 0 {
		length = 0
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("ETag", `"`+v.ETag()+`"`)
	if !s.unversioned {
		w.Header().Set(VersionHeader, v.ID)
	}
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", httprange.ContentRange(start, end, v.Size))
	}
	w.WriteHeader(status)

	s.requests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	s.log.Debug().
		Str("method", r.Method).
		Str("key", key).
		Str("version", v.ID).
		Int64("start", start).
		Int64("end", end).
		Int("status", status).
		Msg("object request")

	if r.Method == http.MethodHead || length == 0 {
		return
	}
	_, _ = w.Write(v.Bytes()[start : end+1])
}

func (s *Server) advance(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.errorBody(w, http.StatusBadRequest, "missing key parameter", "", "")
		return
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		s.errorBody(w, http.StatusBadRequest, err.Error(), key, "")
		return
	}

	if delayStr := r.URL.Query().Get("delay"); delayStr != "" {
		delay, err := time.ParseDuration(delayStr)
		if err != nil || delay < 0 {
			s.errorBody(w, http.StatusBadRequest, "bad delay parameter", key, "")
			return
		}
		s.store.AdvanceAfter(key, delay, content)
		s.advances.Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	versionID := s.store.Put(key, content)
	s.advances.Inc()
	s.log.Info().Str("key", key).Str("version", versionID).Msg("version advanced")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = jsonCodec.NewEncoder(w).Encode(map[string]string{"key": key, "versionId": versionID})
}

func (s *Server) error(w http.ResponseWriter, r *http.Request, status int, key, selector string, err error) {
	s.requests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	s.log.Debug().
		Str("method", r.Method).
		Str("key", key).
		Str("version", selector).
		Int("status", status).
		Err(err).
		Msg("object request failed")
	s.errorBody(w, status, err.Error(), key, selector)
}

func (s *Server) errorBody(w http.ResponseWriter, status int, message, key, selector string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": message}
	if key != "" {
		body["key"] = key
	}
	if selector != "" {
		body["versionId"] = selector
	}
	_ = jsonCodec.NewEncoder(w).Encode(body)
}
