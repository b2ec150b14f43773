package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestOllamaClient_ListModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1:8b"},{"name":"llava:latest"}]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewOllamaClient(srv.URL+"/", srv.Client())
	got, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if want := []string{"llama3.1:8b", "llava:latest"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestOllamaClient_HealthCheckFailsOnStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	if err := NewOllamaClient(srv.URL, srv.Client()).HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestNewHealthChecker_Azure(t *testing.T) {
	t.Parallel()

	var gotKey, gotVersion, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		gotVersion = r.URL.Query().Get("api-version")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	t.Cleanup(srv.Close)

	hc := NewHealthChecker(&Config{
		Backend: BackendAzure,
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     "secret",
			Endpoint:   srv.URL + "/",
			Deployment: "gpt-4o",
			APIVersion: "2024-02-01",
		},
	}, srv.Client())

	if err := hc.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if gotKey != "secret" || gotVersion != "2024-02-01" || gotPath != "/openai/models" {
		t.Errorf("unexpected request: key=%q version=%q path=%q", gotKey, gotVersion, gotPath)
	}
}

func TestNewHealthChecker_BedrockHasNone(t *testing.T) {
	t.Parallel()
	if hc := NewHealthChecker(&Config{Backend: BackendBedrock}, nil); hc != nil {
		t.Errorf("expected nil checker for bedrock, got %T", hc)
	}
}

func TestOllamaVision_Describe(t *testing.T) {
	t.Parallel()

	image := []byte{0x89, 'P', 'N', 'G'}
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"response":" Gauge reads 4.2 bar. ","done":true}`))
	}))
	t.Cleanup(srv.Close)

	v := NewOllamaVision(NewOllamaClient(srv.URL, srv.Client()), "llava")
	text, err := v.Describe(context.Background(), image, "image/png")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if text != "Gauge reads 4.2 bar." {
		t.Errorf("text = %q", text)
	}
	if got.Model != "llava" || got.Stream {
		t.Errorf("request model=%q stream=%v", got.Model, got.Stream)
	}
	if len(got.Images) != 1 || got.Images[0] != base64.StdEncoding.EncodeToString(image) {
		t.Errorf("image not base64 encoded in request: %v", got.Images)
	}
}

func TestOllamaVision_EmptyResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"response":""}`))
	}))
	t.Cleanup(srv.Close)

	v := NewOllamaVision(NewOllamaClient(srv.URL, srv.Client()), "llava")
	if _, err := v.Describe(context.Background(), []byte{1}, "image/jpeg"); !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("err = %v, want ErrEmptyCompletion", err)
	}
}
