// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/photostream/georoute/pkg/logger"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// requestIDGenerator issues process-unique request IDs: a random uuid
// prefix fixed at startup plus a monotonic counter.
type requestIDGenerator struct {
	prefix  string
	counter atomic.Uint64
}

func newRequestIDGenerator() *requestIDGenerator {
	return &requestIDGenerator{
		prefix: uuid.New().String()[0:8],
	}
}

func (g *requestIDGenerator) next() string {
	return g.prefix + strconv.FormatUint(g.counter.Add(1), 10)
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestID tags every request with an ID, threads a request-scoped
// logger through the context and writes one access log line.
func (g *requestIDGenerator) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = g.next()
		}
		w.Header().Set(requestIDHeader, requestID)

		reqLogger := logger.Ctx(r.Context()).With().
			Str("request_id", requestID).
			Str("client_ip", ClientIP(r)).
			Logger()
		ctx := logger.WithLogger(r.Context(), &reqLogger)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		reqLogger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
