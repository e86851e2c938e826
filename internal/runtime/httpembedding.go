// Package runtime adapts the worker pool's EmbeddingRuntime/IndexBuilder/
// AutotuneRunner interfaces to concrete external collaborators. The model
// inference itself -- ONNX sessions, hosted LLM HTTP APIs -- is explicitly
// out of scope for the core (spec.md §1); this package is the thin seam
// where the core hands a batch of primary keys to whatever runtime a
// deployment configures and writes the runtime's answer back to the
// source table, which IS the core's responsibility (spec.md §3: "the
// worker's output column is written at most once per batch").
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lanterndata/lanternd/internal/platform/httpx"
	"github.com/lanterndata/lanternd/internal/worker"
)

// Embedder is the narrow interface a hosted-model HTTP client exposes: a
// batch of texts in, a same-length batch of vectors out. A real deployment
// backs this with an ONNX runtime client or a provider SDK (OpenAI,
// Cohere, ...); HTTPEmbedder below is the default implementation talking
// to a JSON HTTP endpoint.
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, int, error)
}

// HTTPEmbedder calls a single configurable HTTP endpoint that accepts
// {"model": ..., "input": [...]}  and returns {"embeddings": [[...]], "usage": {"tokens": N}}.
// This is the daemon's default runtime, grounded on the teacher's
// internal/platform/openai.Client.Embed shape, reduced to the one JSON
// request/response pair this core needs.
type HTTPEmbedder struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEmbedder builds an HTTPEmbedder posting to endpoint.
func NewHTTPEmbedder(endpoint string, timeout time.Duration) *HTTPEmbedder {
	return &HTTPEmbedder{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Usage      struct {
		Tokens int `json:"tokens"`
	} `json:"usage"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, model string, texts []string) ([][]float32, int, error) {
	body, err := json.Marshal(embedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, 0, fmt.Errorf("runtime: marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("runtime: build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("runtime: embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, 0, fmt.Errorf("runtime: embed endpoint returned retryable status %d", resp.StatusCode)
		}
		return nil, 0, fmt.Errorf("runtime: embed endpoint returned status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("runtime: decode embed response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, 0, fmt.Errorf("runtime: embed endpoint returned %d vectors for %d inputs", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, out.Usage.Tokens, nil
}

// EmbeddingRuntime adapts an Embedder plus a Postgres pool into
// worker.EmbeddingRuntime: it reads src_column for the requested rows,
// calls the embedder, and writes dst_column back in the same batch,
// satisfying spec.md §4.6's "on success write usage ... emit Done" contract
// from the worker's point of view.
type EmbeddingRuntime struct {
	pool *pgxpool.Pool
	emb  Embedder
}

// NewEmbeddingRuntime builds an EmbeddingRuntime.
func NewEmbeddingRuntime(pool *pgxpool.Pool, emb Embedder) *EmbeddingRuntime {
	return &EmbeddingRuntime{pool: pool, emb: emb}
}

func (r *EmbeddingRuntime) Run(ctx context.Context, req worker.EmbeddingRequest) (worker.EmbeddingResult, error) {
	full := pgx.Identifier{req.Schema, req.Table}.Sanitize()
	pkIdent := pgx.Identifier{req.PK}.Sanitize()
	srcIdent := pgx.Identifier{req.SrcColumn}.Sanitize()
	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s, %s FROM %s WHERE %s = ANY($1)`, pkIdent, srcIdent, full, pkIdent,
	), req.RowIDs)
	if err != nil {
		return worker.EmbeddingResult{}, fmt.Errorf("runtime: load batch rows: %w", err)
	}

	pks := make([]string, 0, len(req.RowIDs))
	texts := make([]string, 0, len(req.RowIDs))
	for rows.Next() {
		var pk, text string
		if err := rows.Scan(&pk, &text); err != nil {
			rows.Close()
			return worker.EmbeddingResult{}, fmt.Errorf("runtime: scan batch row: %w", err)
		}
		pks = append(pks, pk)
		texts = append(texts, text)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return worker.EmbeddingResult{}, fmt.Errorf("runtime: iterate batch rows: %w", err)
	}

	if len(texts) == 0 {
		return worker.EmbeddingResult{}, nil
	}

	vectors, tokens, err := r.emb.Embed(ctx, req.EmbeddingModel, texts)
	if err != nil {
		return worker.EmbeddingResult{}, err
	}

	updateSQL := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`, full, pgx.Identifier{req.DstColumn}.Sanitize(), pkIdent)
	batch := &pgx.Batch{}
	for i, pk := range pks {
		batch.Queue(updateSQL, vectorLiteral(vectors[i]), pk)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range pks {
		if _, err := results.Exec(); err != nil {
			return worker.EmbeddingResult{}, fmt.Errorf("runtime: write embeddings: %w", err)
		}
	}

	return worker.EmbeddingResult{Tokens: tokens}, nil
}

func vectorLiteral(vec []float32) string {
	buf := bytes.NewBufferString("[")
	for i, v := range vec {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(buf, "%g", v)
	}
	buf.WriteByte(']')
	return buf.String()
}
