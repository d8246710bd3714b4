package hivemind

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisIndex is an Index backed by a RediSearch FLAT vector index over hash
// documents. All workers share it through the same Redis instance.
type RedisIndex struct {
	rdb    *redis.Client
	name   string
	prefix string
}

// NewRedisIndex creates (idempotently) a FLAT FLOAT32 COSINE vector index
// named name over keys with the given prefix, with the extra payload fields
// indexed as text.
func NewRedisIndex(ctx context.Context, rdb *redis.Client, name, prefix string, payloadFields []string) (*RedisIndex, error) {
	schema := []*redis.FieldSchema{{
		FieldName: "vector",
		FieldType: redis.SearchFieldTypeVector,
		VectorArgs: &redis.FTVectorArgs{
			FlatOptions: &redis.FTFlatOptions{
				Type:           "FLOAT32",
				Dim:            Dim,
				DistanceMetric: "COSINE",
			},
		},
	}}
	for _, f := range payloadFields {
		schema = append(schema, &redis.FieldSchema{FieldName: f, FieldType: redis.SearchFieldTypeText})
	}
	err := rdb.FTCreate(ctx, name,
		&redis.FTCreateOptions{OnHash: true, Prefix: []any{prefix}},
		schema...,
	).Err()
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return nil, fmt.Errorf("create index %s: %w", name, err)
	}
	return &RedisIndex{rdb: rdb, name: name, prefix: prefix}, nil
}

// Upsert writes the document hash. The vector rides as little-endian FLOAT32
// bytes in the "vector" field next to the payload fields.
func (r *RedisIndex) Upsert(ctx context.Context, key string, vec []float32, payload map[string]string) error {
	fields := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		fields[k] = v
	}
	fields["vector"] = string(vectorBytes(vec))
	if err := r.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// Search runs a KNN query and maps vector distances back to similarities.
func (r *RedisIndex) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if k <= 0 {
		k = 1
	}
	query := fmt.Sprintf("*=>[KNN %d @vector $vec AS score]", k)
	res, err := r.rdb.FTSearchWithArgs(ctx, r.name, query, &redis.FTSearchOptions{
		SortBy:         []redis.FTSearchSortBy{{FieldName: "score", Asc: true}},
		DialectVersion: 2,
		Params:         map[string]any{"vec": string(vectorBytes(vec))},
		LimitOffset:    0,
		Limit:          k,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", r.name, err)
	}

	hits := make([]Hit, 0, len(res.Docs))
	for _, doc := range res.Docs {
		payload := make(map[string]string, len(doc.Fields))
		distance := 0.0
		for f, v := range doc.Fields {
			if f == "score" {
				distance, _ = strconv.ParseFloat(v, 64)
				continue
			}
			if f == "vector" {
				continue
			}
			payload[f] = v
		}
		hits = append(hits, Hit{Key: doc.ID, Similarity: 1 - distance, Payload: payload})
	}
	return hits, nil
}

func vectorBytes(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
