// Package vector implements backend.Adapter and backend.VectorOps on top
// of Redis (or a Redis-protocol-compatible store such as DragonflyDB),
// following the reference corpus's db/dragonflydb.go client-wrapper
// pattern and the vecdex reference service's choice of Redis/Valkey as a
// real backing store for vector search.
//
// Similarity search is brute-force cosine over the vectors stored under
// a shared key prefix; keys are shaped so a production deployment can
// later point the same adapter contract at RediSearch's FT.SEARCH
// without changing callers.
package vector

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/logging"
)

type record struct {
	OwnerID  string         `json:"owner_id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata"`
	Version  int64          `json:"version"`
}

// Config configures the Redis connection, matching queue/redis's
// URL-or-default pattern.
type Config struct {
	RedisURL       string
	KeyPrefix      string
	MaxConcurrency int
	MaxBatch       int
}

func DefaultConfig(redisURL string) Config {
	return Config{RedisURL: redisURL, KeyPrefix: "vector:", MaxConcurrency: 64, MaxBatch: 500}
}

// Adapter is the vector BackendAdapter.
type Adapter struct {
	client *redis.Client
	cfg    Config
	log    *logging.Logger
}

func New(cfg Config, log *logging.Logger) (*Adapter, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errs.Wrap(errs.KindPermanent, "parse redis url", err).WithBackend("vector")
	}
	client := redis.NewClient(opts)
	if log == nil {
		log = logging.NewNop()
	}
	return &Adapter{client: client, cfg: cfg, log: log.WithField("backend", "vector")}, nil
}

func (a *Adapter) key(id document.ID) string { return a.cfg.KeyPrefix + id.String() }

func (a *Adapter) setKey() string { return a.cfg.KeyPrefix + "ids" }

func (a *Adapter) Kind() document.Backend { return document.BackendVector }
func (a *Adapter) MaxBatchSize() int      { return a.cfg.MaxBatch }
func (a *Adapter) MaxConcurrency() int    { return a.cfg.MaxConcurrency }

func (a *Adapter) Get(ctx context.Context, id document.ID) (document.Fragment, error) {
	raw, err := a.client.Get(ctx, a.key(id)).Result()
	if err == redis.Nil {
		return document.Fragment{}, errs.New(errs.KindNotFound, "vector not found").WithBackend("vector")
	}
	if err != nil {
		return document.Fragment{}, errs.Wrap(errs.KindTransient, "get vector", err).WithBackend("vector")
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return document.Fragment{}, errs.Wrap(errs.KindPermanent, "decode vector record", err).WithBackend("vector")
	}
	return document.Fragment{
		ID: id, Backend: document.BackendVector, OwnerID: rec.OwnerID,
		Data:    map[string]any{"vector": rec.Vector, "metadata": rec.Metadata},
		Version: rec.Version,
	}, nil
}

func (a *Adapter) GetMany(ctx context.Context, ids []document.ID) (map[document.ID]document.Fragment, error) {
	out := make(map[document.ID]document.Fragment, len(ids))
	for _, id := range ids {
		frag, err := a.Get(ctx, id)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue
			}
			return nil, err
		}
		out[id] = frag
	}
	return out, nil
}

func (a *Adapter) Exists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	out := make(map[document.ID]bool, len(ids))
	for _, id := range ids {
		n, err := a.client.Exists(ctx, a.key(id)).Result()
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, "exists", err).WithBackend("vector")
		}
		out[id] = n > 0
	}
	return out, nil
}

func (a *Adapter) Put(ctx context.Context, id document.ID, fragment document.Fragment, opts backend.PutOptions) error {
	return a.UpsertVector(ctx, id, vectorFromData(fragment.Data), metadataFromData(fragment.Data))
}

func (a *Adapter) UpsertVector(ctx context.Context, id document.ID, vec []float32, metadata map[string]any) error {
	rec := record{Vector: vec, Metadata: metadata, Version: 1}
	if owner, ok := metadata["owner_id"].(string); ok {
		rec.OwnerID = owner
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.KindValidationError, "encode vector record", err).WithBackend("vector")
	}
	pipe := a.client.TxPipeline()
	pipe.Set(ctx, a.key(id), encoded, 0)
	pipe.SAdd(ctx, a.setKey(), id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.KindTransient, "upsert vector", err).WithBackend("vector")
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, id document.ID) error {
	pipe := a.client.TxPipeline()
	pipe.Del(ctx, a.key(id))
	pipe.SRem(ctx, a.setKey(), id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.KindTransient, "delete vector", err).WithBackend("vector")
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) backend.Health {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return backend.HealthDown
	}
	return backend.HealthOk
}

// Search performs brute-force cosine similarity over every id in the
// adapter's set index, honoring filter as a post-hoc metadata predicate.
// A production deployment with a larger corpus would swap this body for
// FT.SEARCH against a RediSearch vector index without touching the
// backend.VectorOps contract.
func (a *Adapter) Search(ctx context.Context, query []float32, k int, filter backend.NativeQuery) ([]backend.ScoredID, error) {
	ids, err := a.client.SMembers(ctx, a.setKey()).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list vector ids", err).WithBackend("vector")
	}

	mq, _ := filter.(*Query)
	scored := make([]backend.ScoredID, 0, len(ids))
	for _, idStr := range ids {
		if !mq.allows(idStr) {
			continue
		}
		id, err := document.ParseID(idStr)
		if err != nil {
			continue
		}
		frag, err := a.Get(ctx, id)
		if err != nil {
			continue
		}
		vec := vectorFromData(frag.Data)
		if len(vec) != len(query) {
			continue
		}
		if !mq.Matches(frag.Data) {
			continue
		}
		scored = append(scored, backend.ScoredID{ID: id, Score: cosineSimilarity(query, vec)})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func vectorFromData(data map[string]any) []float32 {
	if v, ok := data["vector"].([]float32); ok {
		return v
	}
	if v, ok := data["vector"].([]interface{}); ok {
		out := make([]float32, len(v))
		for i, e := range v {
			if f, ok := e.(float64); ok {
				out[i] = float32(f)
			}
		}
		return out
	}
	return nil
}

func metadataFromData(data map[string]any) map[string]any {
	if m, ok := data["metadata"].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
