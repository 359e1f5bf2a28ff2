package oracle_client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/playgrid/spotdiff/internal/models"
)

func newOracleServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(LookupEndpoint, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(APIKeyHeader) != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req struct {
			ImageID string `json:"image_id"`
			X       int    `json:"x"`
			Y       int    `json:"y"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		resp := map[string]any{"region_id": "", "pixels": nil}
		if req.X == 10 && req.Y == 10 {
			resp["region_id"] = "r1"
			resp["pixels"] = []models.Point{{X: 10, Y: 10}, {X: 11, Y: 10}}
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc(ImagesEndpoint+"/", func(w http.ResponseWriter, r *http.Request) {
		imageID := r.URL.Path[len(ImagesEndpoint)+1:]
		if imageID != "img-1" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"image_id": imageID, "total_differences": 7})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestFindRegionHit(t *testing.T) {
	server := newOracleServer(t)
	client := NewClient(server.URL, "test-key")

	region, err := client.FindRegion(context.Background(), "img-1", models.Point{X: 10, Y: 10})
	if err != nil {
		t.Fatalf("find region: %v", err)
	}
	if region == nil || region.ID != "r1" {
		t.Fatalf("expected region r1, got %+v", region)
	}
	if len(region.Pixels) != 2 {
		t.Fatalf("expected 2 pixels, got %d", len(region.Pixels))
	}
}

func TestFindRegionMiss(t *testing.T) {
	server := newOracleServer(t)
	client := NewClient(server.URL, "test-key")

	region, err := client.FindRegion(context.Background(), "img-1", models.Point{X: 500, Y: 500})
	if err != nil {
		t.Fatalf("find region: %v", err)
	}
	if region != nil {
		t.Fatalf("expected nil region on miss, got %+v", region)
	}
}

func TestFindRegionUnauthorized(t *testing.T) {
	server := newOracleServer(t)
	client := NewClient(server.URL, "wrong-key")

	if _, err := client.FindRegion(context.Background(), "img-1", models.Point{X: 10, Y: 10}); err == nil {
		t.Fatal("expected error for rejected request")
	}
}

func TestDifferenceCount(t *testing.T) {
	server := newOracleServer(t)
	client := NewClient(server.URL, "test-key")

	count, err := client.DifferenceCount(context.Background(), "img-1")
	if err != nil {
		t.Fatalf("difference count: %v", err)
	}
	if count != 7 {
		t.Fatalf("expected 7 differences, got %d", count)
	}
}

func TestDifferenceCountUnknownImage(t *testing.T) {
	server := newOracleServer(t)
	client := NewClient(server.URL, "test-key")

	if _, err := client.DifferenceCount(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown image")
	}
}

func TestDifferenceCountZeroIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"image_id": "empty", "total_differences": 0})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	if _, err := client.DifferenceCount(context.Background(), "empty"); err == nil {
		t.Fatal("expected error for image with no differences")
	}
}
