package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
)

// QdrantConfig holds configuration for the external Qdrant index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (not the HTTP REST port).
	Port int `koanf:"port"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// VectorSize is the dimensionality of stored embeddings. It must match
	// the externally supplied vectors.
	VectorSize uint64 `koanf:"vector_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// QdrantIndex implements Index against an external Qdrant instance over
// gRPC. Qdrant point ids must be integers or UUIDs, so container ids are
// mapped to deterministic UUIDs and the original id rides in the payload.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewQdrantIndex connects to Qdrant and returns the index.
func NewQdrantIndex(cfg QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("qdrant index initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Uint64("vector_size", cfg.VectorSize),
	)

	return &QdrantIndex{
		client:  client,
		config:  cfg,
		logger:  logger,
		ensured: make(map[string]bool),
	}, nil
}

// pointID maps a container id to a deterministic Qdrant-compatible UUID.
func pointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (x *QdrantIndex) ensureCollection(ctx context.Context, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.ensured[name] {
		return nil
	}

	exists, err := x.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", name, err)
	}
	if !exists {
		err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     x.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
	}
	x.ensured[name] = true
	return nil
}

// Upsert writes or replaces the vector stored under id.
func (x *QdrantIndex) Upsert(ctx context.Context, collection, id string, vec []float32, meta map[string]string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidIndexConfig)
	}
	if uint64(len(vec)) != x.config.VectorSize {
		return fmt.Errorf("%w: vector size %d does not match configured %d",
			ErrInvalidIndexConfig, len(vec), x.config.VectorSize)
	}
	if err := x.ensureCollection(ctx, collection); err != nil {
		return err
	}

	payload := map[string]*qdrant.Value{
		"id": {Kind: &qdrant.Value_StringValue{StringValue: id}},
	}
	for k, v := range meta {
		payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}

	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(pointID(id)),
				Vectors: qdrant.NewVectors(vec...),
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upserting point into %s: %w", collection, err)
	}
	return nil
}

// Query returns up to k nearest neighbors, highest score first.
func (x *QdrantIndex) Query(ctx context.Context, collection string, vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if err := x.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	results, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	matches := make([]Match, 0, len(results))
	for _, point := range results {
		id := ""
		if v, ok := point.GetPayload()["id"]; ok {
			id = v.GetStringValue()
		}
		if id == "" {
			continue
		}
		matches = append(matches, Match{ID: id, Score: point.GetScore()})
	}
	return matches, nil
}

// Remove deletes the vector stored under id, if present.
func (x *QdrantIndex) Remove(ctx context.Context, collection, id string) error {
	if err := x.ensureCollection(ctx, collection); err != nil {
		return err
	}
	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointID(id))),
	})
	if err != nil {
		return fmt.Errorf("deleting %s from %s: %w", id, collection, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (x *QdrantIndex) Close() error {
	return x.client.Close()
}
