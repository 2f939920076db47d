package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/blitedb/blite/fault"
	"github.com/blitedb/blite/identity"
)

type userCtxKey struct{}

func userFrom(r *http.Request) (*identity.User, error) {
	var u, ok = r.Context().Value(userCtxKey{}).(*identity.User)
	if !ok {
		return nil, fault.Errorf(fault.MissingKey, "missing API key")
	}
	return u, nil
}

// auth authenticates via X-Api-Key or a bearer Authorization header and
// stores the user on the request context.
func (a *API) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var key = strings.TrimSpace(r.Header.Get("X-Api-Key"))
		if key == "" {
			var v = strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(v), "bearer ") {
				key = strings.TrimSpace(v[len("bearer "):])
			}
		}
		if key == "" {
			writeProblem(w, r, fault.Errorf(fault.MissingKey, "missing API key"))
			return
		}
		var u, err = a.Store.Authenticate(key)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userCtxKey{}, u)))
	})
}

// observe records request metrics per method and route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var begun = time.Now()
		var rec = &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.Method, http.StatusText(rec.status)).Inc()
		httpLatency.Observe(time.Since(begun).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
