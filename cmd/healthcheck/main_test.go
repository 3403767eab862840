package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRun(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	tests := []struct {
		name string
		url  string
		want int
	}{
		{"healthy", ok.URL + "/healthz", 0},
		{"unhealthy", down.URL + "/healthz", 1},
		{"unreachable", "http://127.0.0.1:1/healthz", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.url); got != tt.want {
				t.Errorf("run(%q) = %d, want %d", tt.url, got, tt.want)
			}
		})
	}
}
