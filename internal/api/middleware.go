package api

import (
	"bytes"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koshbank/recon/internal/cache"
)

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRequestLog logs one line per request with status and duration.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start).Round(time.Microsecond),
			"remote", clientAddr(r),
		)
	})
}

// clientAddr identifies the caller for rate limiting: the first
// X-Forwarded-For hop when present, else the connection's host.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if addr := strings.TrimSpace(fwd); addr != "" {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// withRateLimit counts requests per client in the cache and rejects
// past the configured limit. A cache outage admits everything: rate
// limiting is protection, not correctness.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.cfg.RateLimit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientAddr(r)
		n, err := s.cache.Incr(r.Context(), s.keys.Rate(client), s.cfg.RateWindow)
		if err != nil {
			s.logger.Debug("rate limit counter unavailable", "client", client, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if n > int64(s.cfg.RateLimit) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RateWindow.Seconds())))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cachedResponse is the stored form of a cacheable GET response.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// cacheRecorder tees the response body so a 200 can be stored after
// it has been sent to the client.
type cacheRecorder struct {
	statusRecorder
	buf bytes.Buffer
}

func (r *cacheRecorder) Write(p []byte) (int, error) {
	r.buf.Write(p)
	return r.statusRecorder.Write(p)
}

// withResponseCache serves repeated GETs from the coordination cache.
// Health stays live and exports stream, so both bypass; clients opt
// out per request with Cache-Control: no-cache.
func (s *Server) withResponseCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cacheableRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		key := s.keys.APIResponse(cache.APIHash(r.URL.Path, r.URL.Query()))

		var hit cachedResponse
		found, err := s.cache.GetJSON(r.Context(), key, &hit)
		if err != nil {
			s.logger.Debug("response cache read failed", "key", key, "error", err)
		}
		if found {
			w.Header().Set("Content-Type", hit.ContentType)
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(hit.Status)
			_, _ = w.Write(hit.Body)
			return
		}

		w.Header().Set("X-Cache", "MISS")
		rec := &cacheRecorder{statusRecorder: statusRecorder{ResponseWriter: w, status: http.StatusOK}}
		next.ServeHTTP(rec, r)

		if rec.status != http.StatusOK {
			return
		}
		stored := cachedResponse{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.buf.Bytes(),
		}
		if err := s.cache.SetJSON(r.Context(), key, stored, s.cfg.ResponseTTL); err != nil {
			s.logger.Debug("response cache write failed", "key", key, "error", err)
		}
	})
}

func (s *Server) cacheableRequest(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.URL.Path == "/api/health" || strings.HasPrefix(r.URL.Path, "/api/export/") {
		return false
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Cache-Control")), "no-cache") {
		return false
	}
	return true
}
