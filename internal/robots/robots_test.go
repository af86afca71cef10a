package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deepweb-research/crawlcore/internal/transport"
	"github.com/rs/zerolog"
)

func newTestChecker(t *testing.T, robotsTxt string, status int) (*Checker, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(robotsTxt))
	}))
	reg := transport.NewFromClients(srv.Client(), nil, zerolog.Nop())
	return New(reg, zerolog.Nop()), srv
}

func TestAllowedDeniesDisallowedPath(t *testing.T) {
	c, srv := newTestChecker(t, "User-agent: *\nDisallow: /private\n", http.StatusOK)
	defer srv.Close()

	if c.Allowed(context.Background(), srv.URL+"/private/page") {
		t.Fatal("expected /private/page to be disallowed")
	}
	if !c.Allowed(context.Background(), srv.URL+"/public/page") {
		t.Fatal("expected /public/page to be allowed")
	}
}

func TestAllowedDefaultsTrueOnMissingRobotsTxt(t *testing.T) {
	c, srv := newTestChecker(t, "", http.StatusNotFound)
	defer srv.Close()

	if !c.Allowed(context.Background(), srv.URL+"/anything") {
		t.Fatal("missing robots.txt should allow everything")
	}
}

func TestAllowedCachesPerHost(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits++
			w.Write([]byte("User-agent: *\nDisallow:\n"))
		}
	}))
	defer srv.Close()
	reg := transport.NewFromClients(srv.Client(), nil, zerolog.Nop())
	c := New(reg, zerolog.Nop())

	c.Allowed(context.Background(), srv.URL+"/a")
	c.Allowed(context.Background(), srv.URL+"/b")

	if hits != 1 {
		t.Fatalf("robots.txt fetched %d times, want 1 (cached)", hits)
	}
}
