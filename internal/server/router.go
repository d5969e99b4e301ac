package server

import (
	"net/http"
)

// Interceptor is the surface the router needs from the runtime controller.
type Interceptor interface {
	http.Handler
	ServeHealth(http.ResponseWriter, *http.Request)
}

// NewHandler serves health and metrics on their reserved paths and hands
// every other request to the interceptor.
func NewHandler(interceptor Interceptor, metrics http.Handler) http.Handler {
	if interceptor == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "interceptor unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			if !readOnly(r.Method) {
				methodNotAllowed(w)
				return
			}
			interceptor.ServeHealth(w, r)
		case "/metrics":
			if metrics == nil {
				http.NotFound(w, r)
				return
			}
			if !readOnly(r.Method) {
				methodNotAllowed(w)
				return
			}
			metrics.ServeHTTP(w, r)
		default:
			interceptor.ServeHTTP(w, r)
		}
	})
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Allow", "GET, HEAD")
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
