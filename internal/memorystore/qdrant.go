package memorystore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/identity"
	"github.com/fyrsmithlabs/recalld/internal/rerrors"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var qdrantTracer = otel.Tracer("recalld.memorystore.qdrant")

// QdrantConfig configures the Qdrant gRPC store.
type QdrantConfig struct {
	Host           string
	Port           int
	UseTLS         bool
	Collection     string
	VectorSize     uint64
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "recalld_memories"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// QdrantStore keeps every user's memories in one collection and isolates
// them with a mandatory user_id payload filter.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore connects and health-checks Qdrant.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	store := &QdrantStore{client: client, embedder: embedder, config: cfg, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}
	return store, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		exists, err := s.client.CollectionExists(ctx, s.config.Collection)
		if err != nil {
			s.ensureErr = err
			return
		}
		if exists {
			return
		}
		s.ensureErr = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	return s.ensureErr
}

// retry runs op with exponential backoff while errors are transient and ctx
// allows.
func (s *QdrantStore) retry(ctx context.Context, op string, fn func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !rerrors.IsTransient(err) {
			return rerrors.Permanent(op, err)
		}
		if attempt >= s.config.MaxRetries {
			return rerrors.Transient(op, fmt.Errorf("failed after %d retries: %w", attempt, err))
		}
		select {
		case <-ctx.Done():
			return rerrors.Transient(op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// Add stores text for the bound user.
func (s *QdrantStore) Add(ctx context.Context, text string, metadata map[string]interface{}) (string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Add")
	defer span.End()

	jc, err := identity.FromContext(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", rerrors.Permanent("memorystore.add", ErrEmptyContent)
	}
	if err := s.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		return "", rerrors.Wrap("memorystore.add", fmt.Errorf("ensuring collection: %w", err))
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		span.RecordError(err)
		return "", rerrors.Wrap("memorystore.add", fmt.Errorf("%w: %v", ErrEmbeddingFailed, err))
	}

	id := uuid.New().String()
	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(id),
		Vectors: qdrant.NewVectors(vectors[0]...),
		Payload: buildPayload(id, text, jc, metadata, timeNow().UTC()),
	}

	err = s.retry(ctx, "memorystore.add", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetStatus(codes.Ok, "success")
	return id, nil
}

// Search runs a filtered vector query for the bound user.
func (s *QdrantStore) Search(ctx context.Context, query string, limit int, filters map[string]string) ([]MemoryRecord, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	jc, err := identity.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateSearch(query, limit); err != nil {
		return nil, rerrors.Permanent("memorystore.search", err)
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, []string{query})
	if err != nil {
		span.RecordError(err)
		return nil, rerrors.Wrap("memorystore.search", fmt.Errorf("%w: %v", ErrEmbeddingFailed, err))
	}

	var points []*qdrant.ScoredPoint
	err = s.retry(ctx, "memorystore.search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vectors[0]...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         userFilter(jc.UserID, filters),
		})
		points = res
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	records := make([]MemoryRecord, len(points))
	for i, p := range points {
		score := p.Score
		records[i] = recordFromPayload(p.Payload)
		records[i].Score = &score
	}
	span.SetAttributes(attribute.Int("results_count", len(records)))
	span.SetStatus(codes.Ok, "success")
	return records, nil
}

// GetAll scrolls the bound user's points and returns the newest first.
func (s *QdrantStore) GetAll(ctx context.Context, limit int) ([]MemoryRecord, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.GetAll")
	defer span.End()

	jc, err := identity.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, rerrors.Permanent("memorystore.get_all", fmt.Errorf("%w: got %d", ErrInvalidLimit, limit))
	}

	var points []*qdrant.RetrievedPoint
	err = s.retry(ctx, "memorystore.get_all", func() error {
		res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.config.Collection,
			Filter:         userFilter(jc.UserID, nil),
			Limit:          qdrant.PtrOf(uint32(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		points = res
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	records := make([]MemoryRecord, len(points))
	for i, p := range points {
		records[i] = recordFromPayload(p.Payload)
	}
	sortNewestFirst(records)
	return records, nil
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

// userFilter always constrains on user_id; caller filters cannot override it.
func userFilter(userID string, filters map[string]string) *qdrant.Filter {
	must := []*qdrant.Condition{keywordCondition(metaUserID, userID)}
	for k, v := range filters {
		if k == metaUserID {
			continue
		}
		must = append(must, keywordCondition(k, v))
	}
	return &qdrant.Filter{Must: must}
}

func buildPayload(id, text string, jc identity.JobContext, metadata map[string]interface{}, now time.Time) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(metadata)+5)
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		}
	}
	str := func(s string) *qdrant.Value {
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
	}
	payload["id"] = str(id)
	payload["content"] = str(text)
	payload[metaUserID] = str(jc.UserID)
	if jc.ClientID != "" {
		payload[metaClientID] = str(jc.ClientID)
	}
	payload[metaCreatedAt] = str(now.Format(time.RFC3339Nano))
	return payload
}

func recordFromPayload(payload map[string]*qdrant.Value) MemoryRecord {
	rec := MemoryRecord{Metadata: make(map[string]interface{}, len(payload))}
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			switch k {
			case "content":
				rec.Content = val.StringValue
				continue
			case "id":
				rec.ID = val.StringValue
				continue
			}
			rec.Metadata[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			rec.Metadata[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			rec.Metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			rec.Metadata[k] = val.BoolValue
		}
	}
	rec.CreatedAt = parseCreatedAt(rec.Metadata[metaCreatedAt])
	return rec
}

var _ Store = (*QdrantStore)(nil)
