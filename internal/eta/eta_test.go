package eta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/models"
)

func TestEstimateSecondsUsesDefaultSpeed(t *testing.T) {
	from, to := models.Coord{}, models.Coord{Lat: 0.01}
	if got, want := EstimateSeconds(from, to, 0), EstimateSeconds(from, to, 10); got != want {
		t.Fatalf("zero speed should fall back to the default: %f vs %f", got, want)
	}
	if EstimateSeconds(from, to, 20) >= EstimateSeconds(from, to, 10) {
		t.Fatal("faster speed should mean a shorter ETA")
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(20 * time.Millisecond)
	a, b := models.Coord{Lat: 1, Lng: 2}, models.Coord{Lat: 3, Lng: 4}
	c.Set(a, b, 42)
	if v, ok := c.Get(a, b); !ok || v != 42 {
		t.Fatalf("expected cached 42, got %v %v", v, ok)
	}
	if _, ok := c.Get(b, a); ok {
		t.Fatal("cache keys are directional")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("entry should have expired")
	}
}

func TestOSRMClient(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	got, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: 1, Lng: 2}, models.Coord{Lat: 3, Lng: 4})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if got != 321.5 {
		t.Fatalf("duration = %v", got)
	}
	if path != "/route/v1/driving/2.000000,1.000000;4.000000,3.000000" {
		t.Fatalf("coordinates should be lon,lat: %s", path)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{}); err == nil {
		t.Fatal("expected an error for NoRoute")
	}
}
