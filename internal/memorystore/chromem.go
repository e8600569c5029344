package memorystore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/identity"
	"github.com/fyrsmithlabs/recalld/internal/rerrors"
	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("recalld.memorystore.chromem")

// timeNow is swapped in tests.
var timeNow = time.Now

// listProbe is the query used to enumerate a user's collection. chromem has
// no scan API, so GetAll queries for every document and re-sorts by date.
const listProbe = "memories about the user"

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path     string
	Compress bool
	// CollectionPrefix is prepended to the user id to name collections.
	CollectionPrefix string
}

// ChromemStore keeps one chromem collection per user.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	prefix   string
	logger   *zap.Logger
}

// NewChromemStore opens (or creates) the embedded database.
func NewChromemStore(cfg ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = "recalld_user_"
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		logger.Info("chromem memory store opened", zap.String("path", path))
	}

	return &ChromemStore{db: db, embedder: embedder, prefix: cfg.CollectionPrefix, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

func (s *ChromemStore) collectionName(userID string) string {
	return s.prefix + userID
}

// collection returns the user's collection, or nil when none exists yet.
func (s *ChromemStore) collection(userID string) *chromem.Collection {
	return s.db.GetCollection(s.collectionName(userID), s.embeddingFunc())
}

// Add stores text for the bound user.
func (s *ChromemStore) Add(ctx context.Context, text string, metadata map[string]interface{}) (string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Add")
	defer span.End()

	jc, err := identity.FromContext(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", rerrors.Permanent("memorystore.add", ErrEmptyContent)
	}

	coll, err := s.db.GetOrCreateCollection(s.collectionName(jc.UserID), nil, s.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		return "", rerrors.Permanent("memorystore.add", fmt.Errorf("getting collection: %w", err))
	}

	embeddings, err := s.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		span.RecordError(err)
		return "", rerrors.Wrap("memorystore.add", fmt.Errorf("%w: %v", ErrEmbeddingFailed, err))
	}

	id := uuid.New().String()
	meta := toStringMetadata(metadata)
	for k, v := range toStringMetadata(jc.Metadata()) {
		meta[k] = v
	}
	meta[metaCreatedAt] = timeNow().UTC().Format(time.RFC3339Nano)

	doc := chromem.Document{ID: id, Content: text, Metadata: meta, Embedding: embeddings[0]}
	if err := coll.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", rerrors.Wrap("memorystore.add", err)
	}

	span.SetAttributes(attribute.String("record.id", id))
	span.SetStatus(codes.Ok, "success")
	return id, nil
}

// Search queries the bound user's collection.
func (s *ChromemStore) Search(ctx context.Context, query string, limit int, filters map[string]string) ([]MemoryRecord, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	jc, err := identity.FromContext(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := validateSearch(query, limit); err != nil {
		return nil, rerrors.Permanent("memorystore.search", err)
	}

	records, err := s.query(ctx, jc.UserID, query, limit, filters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("results_count", len(records)))
	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("searched chromem collection",
		zap.String("user_id", jc.UserID),
		zap.Int("limit", limit),
		zap.Int("results", len(records)))
	return records, nil
}

// GetAll returns the newest records of the bound user.
func (s *ChromemStore) GetAll(ctx context.Context, limit int) ([]MemoryRecord, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.GetAll")
	defer span.End()

	jc, err := identity.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, rerrors.Permanent("memorystore.get_all", fmt.Errorf("%w: got %d", ErrInvalidLimit, limit))
	}

	coll := s.collection(jc.UserID)
	if coll == nil || coll.Count() == 0 {
		return []MemoryRecord{}, nil
	}

	records, err := s.query(ctx, jc.UserID, listProbe, coll.Count(), nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for i := range records {
		records[i].Score = nil
	}
	sortNewestFirst(records)
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *ChromemStore) query(ctx context.Context, userID, query string, limit int, filters map[string]string) ([]MemoryRecord, error) {
	coll := s.collection(userID)
	if coll == nil {
		return []MemoryRecord{}, nil
	}

	// chromem requires nResults <= document count.
	count := coll.Count()
	if count == 0 {
		return []MemoryRecord{}, nil
	}
	if limit > count {
		limit = count
	}

	results, err := coll.Query(ctx, query, limit, filters, nil)
	if err != nil {
		return nil, rerrors.Wrap("memorystore.search", fmt.Errorf("querying collection: %w", err))
	}

	records := make([]MemoryRecord, len(results))
	for i, r := range results {
		score := r.Similarity
		meta := fromStringMetadata(r.Metadata)
		records[i] = MemoryRecord{
			ID:        r.ID,
			Content:   r.Content,
			Score:     &score,
			CreatedAt: parseCreatedAt(meta[metaCreatedAt]),
			Metadata:  meta,
		}
	}
	return records, nil
}

func toStringMetadata(metadata map[string]interface{}) map[string]string {
	result := make(map[string]string, len(metadata)+3)
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			result[k] = val
		case int:
			result[k] = fmt.Sprintf("%d", val)
		case int64:
			result[k] = fmt.Sprintf("%d", val)
		case float64:
			result[k] = fmt.Sprintf("%g", val)
		case bool:
			result[k] = fmt.Sprintf("%t", val)
		default:
			result[k] = fmt.Sprintf("%v", val)
		}
	}
	return result
}

func fromStringMetadata(metadata map[string]string) map[string]interface{} {
	result := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		result[k] = v
	}
	return result
}

var _ Store = (*ChromemStore)(nil)
