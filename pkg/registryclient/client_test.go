package registryclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServicesReturnsFleetSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services", r.URL.Path)
		assert.Equal(t, "inst1", r.URL.Query().Get("instance_id"))
		_ = json.NewEncoder(w).Encode(servicesResponse{
			Success: 1,
			Services: ServicesView{
				Workers: map[string]Endpoints{"worker01": {Service: "worker01:25000"}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "inst1", "key1")
	view, err := c.Services(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "worker01:25000", view.Workers["worker01"].Service)
}

func TestServicesSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(servicesResponse{Success: 0, Error: "unknown instance"})
	}))
	defer srv.Close()

	c := New(srv.URL, "inst1", "key1")
	_, err := c.Services(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown instance")
}

func TestAddWorkerPostsEndpoints(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/worker", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(mutationResponse{Success: 1})
	}))
	defer srv.Close()

	c := New(srv.URL, "inst1", "key1")
	err := c.AddWorker(context.Background(), "worker01", Endpoints{Service: "worker01:25000"})
	require.NoError(t, err)
	assert.Equal(t, "worker01", gotBody["name"])
	assert.Equal(t, "inst1", gotBody["instance_id"])
	assert.Equal(t, "key1", gotBody["auth_key"])
}

func TestRemoveWorkerDeletesByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/worker/worker01", r.URL.Path)
		_ = json.NewEncoder(w).Encode(mutationResponse{Success: 1})
	}))
	defer srv.Close()

	c := New(srv.URL, "inst1", "key1")
	require.NoError(t, c.RemoveWorker(context.Background(), "worker01"))
}

func TestRemoveWorkerSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(mutationResponse{Success: 0, Error: "no such worker"})
	}))
	defer srv.Close()

	c := New(srv.URL, "inst1", "key1")
	err := c.RemoveWorker(context.Background(), "worker01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such worker")
}
