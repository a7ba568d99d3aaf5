// Package mongostore implements the storage contracts on MongoDB.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/kalambet/integrator/internal/storage"
)

const (
	interactionsColl = "interactions"
	generationsColl  = "generations"
	feedbackColl     = "feedback"
	jobsColl         = "jobs"
)

type interactionDoc struct {
	ID           string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	Module       string    `bson:"module"`
	Intent       string    `bson:"intent"`
	Request      string    `bson:"request_json"`
	Response     string    `bson:"response_json"`
	GenerationID string    `bson:"generation_id,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
	// CreatedNs orders interactions below the millisecond precision of BSON dates.
	CreatedNs int64 `bson:"created_ns"`
}

type generationDoc struct {
	GenerationID  string    `bson:"_id"`
	UserID        string    `bson:"user_id"`
	InteractionID string    `bson:"interaction_id"`
	CreatedAt     time.Time `bson:"created_at"`
}

type feedbackDoc struct {
	GenerationID string    `bson:"generation_id"`
	UserID       string    `bson:"user_id"`
	Command      string    `bson:"command"`
	Forwarded    bool      `bson:"forwarded"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

type jobDoc struct {
	ID          string    `bson:"_id"`
	Type        string    `bson:"type"`
	PayloadJSON string    `bson:"payload_json"`
	Status      string    `bson:"status"`
	Attempts    int       `bson:"attempts"`
	MaxAttempts int       `bson:"max_attempts"`
	RunAfter    time.Time `bson:"run_after"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
	LastError   string    `bson:"last_error,omitempty"`
}

// Store is a MongoDB-backed storage.Backend and storage.JobQueue.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

var (
	_ storage.Backend  = (*Store)(nil)
	_ storage.JobQueue = (*Store)(nil)
)

// Open connects to uri, selects database and ensures indexes exist.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	s := &Store{client: client, db: client.Database(database), logger: slog.Default()}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		interactionsColl: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_ns", Value: -1}}},
			{Keys: bson.D{{Key: "created_ns", Value: -1}}},
		},
		feedbackColl: {
			{Keys: bson.D{{Key: "generation_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		jobsColl: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "run_after", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", coll, err)
		}
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes the database. Used by tests.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func (d interactionDoc) toInteraction() storage.Interaction {
	return storage.Interaction{
		ID:           d.ID,
		UserID:       d.UserID,
		Module:       d.Module,
		Intent:       d.Intent,
		Request:      json.RawMessage(d.Request),
		Response:     json.RawMessage(d.Response),
		GenerationID: d.GenerationID,
		CreatedAt:    time.Unix(0, d.CreatedNs).UTC(),
	}
}

// StoreInteraction inserts the interaction and upserts its generation mapping
// only after the insert has been acknowledged.
func (s *Store) StoreInteraction(ctx context.Context, i storage.Interaction) error {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	doc := interactionDoc{
		ID:           i.ID,
		UserID:       i.UserID,
		Module:       i.Module,
		Intent:       i.Intent,
		Request:      rawOrEmpty(i.Request),
		Response:     rawOrEmpty(i.Response),
		GenerationID: i.GenerationID,
		CreatedAt:    i.CreatedAt.UTC(),
		CreatedNs:    i.CreatedAt.UnixNano(),
	}
	if _, err := s.db.Collection(interactionsColl).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("inserting interaction: %w", err)
	}
	if i.GenerationID == "" {
		return nil
	}

	mapping := generationDoc{
		GenerationID:  i.GenerationID,
		UserID:        i.UserID,
		InteractionID: i.ID,
		CreatedAt:     doc.CreatedAt,
	}
	var previous generationDoc
	err := s.db.Collection(generationsColl).FindOneAndReplace(ctx,
		bson.M{"_id": i.GenerationID}, mapping,
		options.FindOneAndReplace().SetUpsert(true).SetReturnDocument(options.Before),
	).Decode(&previous)
	switch {
	case err == nil:
		s.logger.Warn("storage: generation id reused, remapping",
			"generation_id", i.GenerationID, "previous_interaction", previous.InteractionID, "interaction", i.ID)
	case !errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("indexing generation: %w", err)
	}
	return nil
}

func (s *Store) findInteractions(ctx context.Context, filter bson.M, limit int) ([]storage.Interaction, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_ns", Value: -1}}).
		SetLimit(int64(clampLimit(limit)))
	cur, err := s.db.Collection(interactionsColl).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []interactionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]storage.Interaction, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toInteraction())
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 10
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func (s *Store) GetUserHistory(ctx context.Context, userID string, limit int) ([]storage.Interaction, error) {
	return s.findInteractions(ctx, bson.M{"user_id": userID}, limit)
}

func (s *Store) ListInteractions(ctx context.Context, limit int) ([]storage.Interaction, error) {
	return s.findInteractions(ctx, bson.M{}, limit)
}

func (s *Store) GetContext(ctx context.Context, userID string, limit int) ([]storage.ContextEntry, error) {
	history, err := s.GetUserHistory(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return storage.ContextFromHistory(history), nil
}

func (s *Store) GetInteraction(ctx context.Context, id string) (storage.Interaction, error) {
	var d interactionDoc
	err := s.db.Collection(interactionsColl).FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Interaction{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Interaction{}, err
	}
	return d.toInteraction(), nil
}

func (s *Store) GetGeneration(ctx context.Context, generationID string) (storage.GenerationMapping, error) {
	var d generationDoc
	err := s.db.Collection(generationsColl).FindOne(ctx, bson.M{"_id": generationID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.GenerationMapping{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.GenerationMapping{}, err
	}
	interaction, err := s.GetInteraction(ctx, d.InteractionID)
	if err != nil {
		return storage.GenerationMapping{}, fmt.Errorf("loading interaction %s: %w", d.InteractionID, err)
	}
	return storage.GenerationMapping{
		GenerationID:  d.GenerationID,
		UserID:        d.UserID,
		InteractionID: d.InteractionID,
		Interaction:   interaction,
		CreatedAt:     d.CreatedAt,
	}, nil
}

func (s *Store) RecordFeedback(ctx context.Context, f storage.Feedback) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	_, err := s.db.Collection(feedbackColl).UpdateOne(ctx,
		bson.M{"generation_id": f.GenerationID, "user_id": f.UserID},
		bson.M{
			"$set": bson.M{"command": f.Command, "forwarded": f.Forwarded, "updated_at": now},
			"$setOnInsert": bson.M{"created_at": f.CreatedAt.UTC()},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *Store) GetFeedback(ctx context.Context, generationID, userID string) (storage.Feedback, error) {
	var d feedbackDoc
	err := s.db.Collection(feedbackColl).FindOne(ctx, bson.M{"generation_id": generationID, "user_id": userID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Feedback{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Feedback{}, err
	}
	return storage.Feedback(d), nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var st storage.Stats
	total, err := s.db.Collection(interactionsColl).CountDocuments(ctx, bson.M{})
	if err != nil {
		return st, fmt.Errorf("counting interactions: %w", err)
	}
	users, err := s.db.Collection(interactionsColl).Distinct(ctx, "user_id", bson.M{})
	if err != nil {
		return st, fmt.Errorf("counting users: %w", err)
	}
	gens, err := s.db.Collection(generationsColl).CountDocuments(ctx, bson.M{})
	if err != nil {
		return st, fmt.Errorf("counting generations: %w", err)
	}
	fb, err := s.db.Collection(feedbackColl).CountDocuments(ctx, bson.M{})
	if err != nil {
		return st, fmt.Errorf("counting feedback: %w", err)
	}
	st.TotalInteractions = int(total)
	st.UniqueUsers = len(users)
	st.Generations = int(gens)
	st.Feedback = int(fb)
	return st, nil
}

// --- Jobs ---

func (s *Store) EnqueueJob(ctx context.Context, job storage.Job) error {
	now := time.Now().UTC()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = storage.DefaultMaxAttempts
	}
	_, err := s.db.Collection(jobsColl).InsertOne(ctx, jobDoc{
		ID:          job.ID,
		Type:        job.Type,
		PayloadJSON: job.PayloadJSON,
		Status:      "pending",
		MaxAttempts: maxAttempts,
		RunAfter:    runAfter,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	return err
}

func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	var d jobDoc
	err := s.db.Collection(jobsColl).FindOneAndUpdate(ctx,
		bson.M{"status": "pending", "run_after": bson.M{"$lte": now}, "type": bson.M{"$in": types}},
		bson.M{"$set": bson.M{"status": "running", "updated_at": now}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "run_after", Value: 1}, {Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming next job: %w", err)
	}
	j := storage.Job(d)
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.Collection(jobsColl).UpdateByID(ctx, id,
		bson.M{"$set": bson.M{"status": "completed", "updated_at": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	var d jobDoc
	err := s.db.Collection(jobsColl).FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts := d.Attempts + 1
	set := bson.M{"attempts": attempts, "last_error": errMsg, "updated_at": now}
	if attempts >= d.MaxAttempts {
		set["status"] = "failed"
	} else {
		set["status"] = "pending"
		set["run_after"] = now.Add(storage.JobBackoff(attempts))
	}
	_, err = s.db.Collection(jobsColl).UpdateOne(ctx,
		bson.M{"_id": id, "attempts": d.Attempts},
		bson.M{"$set": set},
	)
	return err
}
