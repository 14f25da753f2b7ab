package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

// MongoStore implements the store contracts on MongoDB. Vector lookups use the
// Atlas $vectorSearch stage against the "vector_index" search index.
type MongoStore struct {
	client        *mongo.Client
	memories      *mongo.Collection
	relationships *mongo.Collection
	contexts      *mongo.Collection
	plans         *mongo.Collection
}

var (
	_ MemoryStore       = (*MongoStore)(nil)
	_ MemoryWriter      = (*MongoStore)(nil)
	_ ContextStore      = (*MongoStore)(nil)
	_ PlanStore         = (*MongoStore)(nil)
	_ PlanWriter        = (*MongoStore)(nil)
	_ SchemaInitializer = (*MongoStore)(nil)
)

const (
	mongoCloseTimeout = 5 * time.Second
	mongoVectorIndex  = "vector_index"
	mongoOversampling = 10
)

// NewMongoStore connects and derives the four collections from prefix
// ("memory" when empty).
func NewMongoStore(ctx context.Context, uri, database, prefix string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		return nil, errors.New("mongo database name is required")
	}
	if prefix == "" {
		prefix = "memory"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	db := client.Database(database)
	return &MongoStore{
		client:        client,
		memories:      db.Collection(prefix + "_records"),
		relationships: db.Collection(prefix + "_relationships"),
		contexts:      db.Collection(prefix + "_contexts"),
		plans:         db.Collection(prefix + "_plans"),
	}, nil
}

func (ms *MongoStore) InsertMemory(ctx context.Context, rec model.MemoryRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := ms.memories.InsertOne(ctx, newMongoMemoryDocument(rec))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (ms *MongoStore) InsertEdge(ctx context.Context, edge model.RelationshipEdge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	n, err := ms.memories.CountDocuments(ctx, bson.M{
		"_id":             bson.M{"$in": bson.A{edge.SourceMemoryID, edge.TargetMemoryID}},
		"organization_id": edge.OrganizationID,
	})
	if err != nil {
		return err
	}
	if n < 2 {
		return ErrNotFound
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	filter := bson.M{
		"source_memory_id":  edge.SourceMemoryID,
		"target_memory_id":  edge.TargetMemoryID,
		"relationship_type": edge.RelationshipType,
	}
	_, err = ms.relationships.UpdateOne(ctx, filter, bson.M{"$setOnInsert": edge}, options.Update().SetUpsert(true))
	return err
}

func (ms *MongoStore) AdjustImportance(ctx context.Context, id, organizationID string, delta float64) (float64, error) {
	if err := requireOrg(organizationID); err != nil {
		return 0, err
	}
	update := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"importance_score": bson.M{"$min": bson.A{1, bson.M{"$max": bson.A{0, bson.M{"$add": bson.A{"$importance_score", delta}}}}}},
	}}}}
	res := ms.memories.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "organization_id": organizationID},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After))
	var doc mongoMemoryDocument
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return doc.ImportanceScore, nil
}

func (ms *MongoStore) QueryBySimilarity(ctx context.Context, vector []float32, organizationID, userID string, floor float64, limit int) ([]SimilarityHit, error) {
	if err := requireOrg(organizationID); err != nil {
		return nil, err
	}
	if len(vector) == 0 || limit <= 0 {
		return nil, nil
	}
	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: mongoVectorIndex},
			{Key: "path", Value: "embedding"},
			{Key: "queryVector", Value: float64Embedding(vector)},
			{Key: "numCandidates", Value: int64(limit * mongoOversampling)},
			{Key: "limit", Value: int64(limit * mongoOversampling)},
			{Key: "filter", Value: bson.D{{Key: "organization_id", Value: organizationID}}},
		}}},
		{{Key: "$addFields", Value: bson.D{
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
	}
	if userID != "" {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: userScopeFilter(userID)}})
	}
	cursor, err := ms.memories.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var hits []SimilarityHit
	for cursor.Next(ctx) {
		var doc struct {
			mongoMemoryDocument `bson:",inline"`
			Score               float64 `bson:"score"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		// Atlas reports cosine as (1 + cos) / 2.
		sim := 2*doc.Score - 1
		if sim < floor {
			continue
		}
		hits = append(hits, SimilarityHit{Record: doc.toRecord(), Similarity: sim})
		if len(hits) == limit {
			break
		}
	}
	return hits, cursor.Err()
}

func (ms *MongoStore) QueryByKeyword(ctx context.Context, terms []string, organizationID, userID string, limit int) ([]model.MemoryRecord, error) {
	if err := requireOrg(organizationID); err != nil {
		return nil, err
	}
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		if term != "" {
			quoted = append(quoted, regexp.QuoteMeta(term))
		}
	}
	if len(quoted) == 0 || limit <= 0 {
		return nil, nil
	}
	filter := bson.M{
		"organization_id": organizationID,
		"content":         bson.M{"$regex": strings.Join(quoted, "|"), "$options": "i"},
	}
	if userID != "" {
		for k, v := range userScopeFilter(userID) {
			filter[k] = v
		}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := ms.memories.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []model.MemoryRecord
	for cursor.Next(ctx) {
		var doc mongoMemoryDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRecord())
	}
	return out, cursor.Err()
}

func (ms *MongoStore) QueryByID(ctx context.Context, id, organizationID string) (model.MemoryRecord, error) {
	if err := requireOrg(organizationID); err != nil {
		return model.MemoryRecord{}, err
	}
	var doc mongoMemoryDocument
	err := ms.memories.FindOne(ctx, bson.M{"_id": id, "organization_id": organizationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.MemoryRecord{}, ErrNotFound
	}
	if err != nil {
		return model.MemoryRecord{}, err
	}
	return doc.toRecord(), nil
}

func (ms *MongoStore) QueryEdges(ctx context.Context, memoryID, organizationID string) ([]model.RelationshipEdge, error) {
	if err := requireOrg(organizationID); err != nil {
		return nil, err
	}
	filter := bson.M{
		"organization_id": organizationID,
		"$or": bson.A{
			bson.M{"source_memory_id": memoryID},
			bson.M{"target_memory_id": memoryID},
		},
	}
	cursor, err := ms.relationships.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var edges []model.RelationshipEdge
	if err := cursor.All(ctx, &edges); err != nil {
		return nil, err
	}
	return edges, nil
}

func (ms *MongoStore) SaveContext(ctx context.Context, c model.Context) (string, error) {
	if err := requireOrg(c.OrganizationID); err != nil {
		return "", err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, err := ms.contexts.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", ErrDuplicate
		}
		return "", err
	}
	return c.ID, nil
}

func (ms *MongoStore) GetContext(ctx context.Context, id, organizationID string) (model.Context, error) {
	if err := requireOrg(organizationID); err != nil {
		return model.Context{}, err
	}
	var c model.Context
	err := ms.contexts.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Context{}, ErrNotFound
	}
	if err != nil {
		return model.Context{}, err
	}
	if c.OrganizationID != organizationID {
		return model.Context{}, ErrForbidden
	}
	return c, nil
}

// AppendFeedback pushes only when the organization filter matches, so the
// ownership check and the write are one document operation.
func (ms *MongoStore) AppendFeedback(ctx context.Context, id, organizationID string, fb model.Feedback) error {
	if err := requireOrg(organizationID); err != nil {
		return err
	}
	res, err := ms.contexts.UpdateOne(ctx,
		bson.M{"_id": id, "organization_id": organizationID},
		bson.M{"$push": bson.M{"feedback": fb}})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := ms.contexts.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrForbidden
}

func (ms *MongoStore) ResolvePlan(ctx context.Context, organizationID string) (model.PlanFeatures, error) {
	if err := requireOrg(organizationID); err != nil {
		return model.PlanFeatures{}, err
	}
	var plan model.PlanFeatures
	err := ms.plans.FindOne(ctx, bson.M{"_id": organizationID}).Decode(&plan)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.PlanFeatures{}, ErrNotFound
	}
	return plan, err
}

func (ms *MongoStore) UpsertPlan(ctx context.Context, plan model.PlanFeatures) error {
	if err := requireOrg(plan.OrganizationID); err != nil {
		return err
	}
	_, err := ms.plans.ReplaceOne(ctx, bson.M{"_id": plan.OrganizationID}, plan, options.Replace().SetUpsert(true))
	return err
}

// CreateSchema ensures the collections have useful indexes. The Atlas vector
// search index itself is provisioned through the Atlas API and is not created here.
func (ms *MongoStore) CreateSchema(ctx context.Context) error {
	memoryIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "organization_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("org_created_at"),
		},
		{
			Keys:    bson.D{{Key: "organization_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetName("org_user"),
		},
	}
	if _, err := ms.memories.Indexes().CreateMany(ctx, memoryIndexes); err != nil {
		return err
	}
	edgeIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "source_memory_id", Value: 1}, {Key: "target_memory_id", Value: 1}, {Key: "relationship_type", Value: 1}},
			Options: options.Index().SetName("edge_identity").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "organization_id", Value: 1}, {Key: "target_memory_id", Value: 1}},
			Options: options.Index().SetName("org_target"),
		},
	}
	if _, err := ms.relationships.Indexes().CreateMany(ctx, edgeIndexes); err != nil {
		return err
	}
	_, err := ms.contexts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "organization_id", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("org_created_at"),
	})
	return err
}

// Close releases the underlying MongoDB client.
func (ms *MongoStore) Close() error {
	if ms == nil || ms.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoCloseTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

func userScopeFilter(userID string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"user_id": userID},
		bson.M{"user_id": ""},
		bson.M{"user_id": bson.M{"$exists": false}},
	}}
}

type mongoMemoryDocument struct {
	ID              string         `bson:"_id"`
	Content         string         `bson:"content"`
	Type            string         `bson:"type"`
	OrganizationID  string         `bson:"organization_id"`
	UserID          string         `bson:"user_id,omitempty"`
	CreatedAt       time.Time      `bson:"created_at"`
	ImportanceScore float64        `bson:"importance_score"`
	Embedding       []float64      `bson:"embedding,omitempty"`
	Metadata        map[string]any `bson:"metadata,omitempty"`
}

func newMongoMemoryDocument(rec model.MemoryRecord) mongoMemoryDocument {
	return mongoMemoryDocument{
		ID:              rec.ID,
		Content:         rec.Content,
		Type:            string(rec.Type),
		OrganizationID:  rec.OrganizationID,
		UserID:          rec.UserID,
		CreatedAt:       rec.CreatedAt,
		ImportanceScore: rec.ImportanceScore,
		Embedding:       float64Embedding(rec.Embedding),
		Metadata:        rec.Metadata,
	}
}

func (doc mongoMemoryDocument) toRecord() model.MemoryRecord {
	return model.MemoryRecord{
		ID:              doc.ID,
		Content:         doc.Content,
		Type:            model.MemoryType(doc.Type),
		OrganizationID:  doc.OrganizationID,
		UserID:          doc.UserID,
		CreatedAt:       doc.CreatedAt.UTC(),
		ImportanceScore: doc.ImportanceScore,
		Embedding:       float32Embedding(doc.Embedding),
		Metadata:        doc.Metadata,
	}
}

func float64Embedding(vec []float32) []float64 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

func float32Embedding(vec []float64) []float32 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
