//go:build integration

package embedder

import (
	"context"
	"math"
	"os"
	"testing"
	"time"
)

// TestOllamaEmbedder_Integration embeds against a running Ollama:
//
//	ollama pull nomic-embed-text
//	go test -tags=integration -run Integration ./internal/embedder/
//
// OLLAMA_HOST and EMBEDDING_MODEL override the defaults.
func TestOllamaEmbedder_Integration(t *testing.T) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = "nomic-embed-text"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	texts := []string{
		"Low lube oil pressure alarm on the main bearing gallery.",
		"Lube oil pressure drops below 3 bar at full load.",
		"Replace the air filter element on the turbocharger intake.",
	}
	vecs, err := NewOllamaEmbedder(&OllamaConfig{Host: host, Model: model}).Embed(ctx, texts)
	if err != nil {
		t.Fatalf("Embed: %v (is %s pulled?)", err, model)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != len(vecs[0]) || len(v) == 0 {
			t.Fatalf("vector %d has dimension %d, want %d", i, len(v), len(vecs[0]))
		}
	}

	related, unrelated := cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2])
	if related <= unrelated {
		t.Errorf("oil pressure texts should be closer to each other (%.3f) than to the filter text (%.3f)", related, unrelated)
	}
	t.Logf("model=%s dim=%d (EMBEDDING_DIMENSIONS for the Qdrant collection)", model, len(vecs[0]))
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
