package observability

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Middleware holds configuration for HTTP Observability
type Middleware struct {
	// TraceIdHeader names the request header that may carry a caller supplied trace id.
	// The trace id is echoed in the response using the same header.
	TraceIdHeader string
}

// Wrap returns an Handler that add Observability to http Request Context and call next.
func (self Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()

		var tId string
		if "" != self.TraceIdHeader {
			tId = r.Header.Get(self.TraceIdHeader)
			if len(tId) > 64 {
				tId = ""
			}
		}
		if "" == tId {
			tId = uuid.New().String()
		}
		if "" != self.TraceIdHeader {
			w.Header().Set(self.TraceIdHeader, tId)
		}

		log := GetObservability(r.Context()).Log().With("tId", tId)
		obs := Observability{Logger: log}
		ctx := SetObservability(r.Context(), &obs)
		sw := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&sw, r.WithContext(ctx))
		log.Info(
			"processed HTTP request",
			"method", r.Method,
			"uri", r.RequestURI,
			"status", sw.status,
			"duration", time.Since(t0),
		)

	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (self *statusRecorder) WriteHeader(statusCode int) {
	self.status = statusCode
	self.ResponseWriter.WriteHeader(statusCode)
}

var _ http.ResponseWriter = &statusRecorder{}
