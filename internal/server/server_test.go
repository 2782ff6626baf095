package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/patient-media/internal/config"
)

// fakeRoutes регистрирует открытый и защищённый маршруты.
type fakeRoutes struct{}

func (fakeRoutes) Register(r chi.Router, authMiddlewares ...func(http.Handler) http.Handler) {
	r.Get("/open", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Group(func(r chi.Router) {
		r.Use(authMiddlewares...)
		r.Get("/guarded", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	})
}

func TestNew_MiddlewareOrder(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := &config.Config{Port: 8040}

	var trace []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				trace = append(trace, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	srv := New(cfg, logger, fakeRoutes{}, mark("auth"), mark("metrics"), mark("logging"))
	if srv.httpServer.Addr != ":8040" {
		t.Errorf("Addr = %q", srv.httpServer.Addr)
	}

	tests := []struct {
		path string
		want []string
	}{
		{"/open", []string{"metrics", "logging"}},
		{"/guarded", []string{"metrics", "logging", "auth"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			trace = nil
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("статус %d", rec.Code)
			}
			if len(trace) != len(tt.want) {
				t.Fatalf("цепочка = %v, ожидалось %v", trace, tt.want)
			}
			for i := range tt.want {
				if trace[i] != tt.want[i] {
					t.Errorf("цепочка = %v, ожидалось %v", trace, tt.want)
					break
				}
			}
		})
	}
}
