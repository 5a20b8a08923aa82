package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/avaliev/tgbridge/internal/domain"
)

// MongoStore implements Repository using MongoDB.
type MongoStore struct {
	client   *mongo.Client
	sessions *mongo.Collection
	events   *mongo.Collection
}

// sessionDoc is the BSON shape of a session record. SessionRecord itself
// carries only JSON tags; the driver mapping stays here.
type sessionDoc struct {
	SessionID      string            `bson:"session_id"`
	AgentID        int64             `bson:"agent_id"`
	Phase          string            `bson:"phase"`
	Phone          string            `bson:"phone,omitempty"`
	UserID         int64             `bson:"user_id,omitempty"`
	CredentialRef  string            `bson:"credential_ref,omitempty"`
	CreatedAt      time.Time         `bson:"created_at"`
	LastActivityAt time.Time         `bson:"last_activity_at"`
	Metadata       map[string]string `bson:"metadata,omitempty"`
}

func toSessionDoc(record *domain.SessionRecord) *sessionDoc {
	return &sessionDoc{
		SessionID:      record.SessionID,
		AgentID:        record.AgentID,
		Phase:          string(record.Phase),
		Phone:          record.Phone,
		UserID:         record.UserID,
		CredentialRef:  record.CredentialRef,
		CreatedAt:      record.CreatedAt.UTC(),
		LastActivityAt: record.LastActivityAt.UTC(),
		Metadata:       record.Metadata,
	}
}

func (d *sessionDoc) toRecord() *domain.SessionRecord {
	return &domain.SessionRecord{
		SessionID:      d.SessionID,
		AgentID:        d.AgentID,
		Phase:          domain.Phase(d.Phase),
		Phone:          d.Phone,
		UserID:         d.UserID,
		CredentialRef:  d.CredentialRef,
		CreatedAt:      d.CreatedAt,
		LastActivityAt: d.LastActivityAt,
		Metadata:       d.Metadata,
	}
}

// eventDoc wraps an event with its dedup key so the unique index can
// enforce idempotent saves.
type eventDoc struct {
	DedupKey            string `bson:"dedup_key"`
	domain.InboundEvent `bson:",inline"`
}

// NewMongo creates a MongoDB-backed repository.
func NewMongo(ctx context.Context, url, database string) (Repository, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	store := &MongoStore{
		client:   client,
		sessions: db.Collection("sessions"),
		events:   db.Collection("events"),
	}
	if err := store.ensureIndexes(connectCtx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}

	return store, nil
}

func (m *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := m.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "agent_id", Value: 1}}},
		{Keys: bson.D{{Key: "phase", Value: 1}, {Key: "last_activity_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("session indexes: %w", err)
	}

	_, err = m.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "dedup_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "received_at", Value: -1}}},
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "received_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("event indexes: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Put creates or updates a session record.
func (m *MongoStore) Put(ctx context.Context, record *domain.SessionRecord) error {
	filter := bson.M{"session_id": record.SessionID}
	opts := options.Replace().SetUpsert(true)
	if _, err := m.sessions.ReplaceOne(ctx, filter, toSessionDoc(record), opts); err != nil {
		return storageErr("upsert session", err)
	}
	return nil
}

// Get retrieves a session record by session ID.
func (m *MongoStore) Get(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	var doc sessionDoc
	err := m.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return doc.toRecord(), nil
}

// ListActive retrieves all sessions that have not reached the expired phase.
func (m *MongoStore) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	filter := bson.M{"phase": bson.M{"$ne": string(domain.PhaseExpired)}}
	cursor, err := m.sessions.Find(ctx, filter)
	if err != nil {
		return nil, storageErr("query active sessions", err)
	}
	defer closeCursor(ctx, cursor)

	var records []*domain.SessionRecord
	for cursor.Next(ctx) {
		var doc sessionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, storageErr("decode session document", err)
		}
		records = append(records, doc.toRecord())
	}
	if err := cursor.Err(); err != nil {
		return nil, storageErr("iterate active sessions", err)
	}

	return records, nil
}

// Delete removes a session record. Deleting an absent record is not an error.
func (m *MongoStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := m.sessions.DeleteOne(ctx, bson.M{"session_id": sessionID}); err != nil {
		return storageErr("delete session", err)
	}
	return nil
}

// DeleteExpiredBefore removes expired sessions whose last activity is older
// than cutoff, together with their event log.
func (m *MongoStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{
		"phase":            string(domain.PhaseExpired),
		"last_activity_at": bson.M{"$lt": cutoff.UTC()},
	}

	ids, err := m.purgeableSessionIDs(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := m.events.DeleteMany(ctx, bson.M{"session_id": bson.M{"$in": ids}}); err != nil {
		return 0, storageErr("purge session events", err)
	}

	result, err := m.sessions.DeleteMany(ctx, bson.M{"session_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, storageErr("purge expired sessions", err)
	}
	return result.DeletedCount, nil
}

func (m *MongoStore) purgeableSessionIDs(ctx context.Context, filter bson.M) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"session_id": 1})
	cursor, err := m.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, storageErr("query purgeable sessions", err)
	}
	defer closeCursor(ctx, cursor)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			SessionID string `bson:"session_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, storageErr("decode purgeable session", err)
		}
		ids = append(ids, doc.SessionID)
	}
	if err := cursor.Err(); err != nil {
		return nil, storageErr("iterate purgeable sessions", err)
	}
	return ids, nil
}

// SaveEvent appends a delivered event to the log. The unique dedup index
// makes duplicate saves a no-op.
func (m *MongoStore) SaveEvent(ctx context.Context, event *domain.InboundEvent) error {
	doc := eventDoc{DedupKey: event.DedupKey(), InboundEvent: *event}
	if _, err := m.events.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return storageErr("save event", err)
	}
	return nil
}

// ListEvents retrieves delivered events for a session, newest first.
func (m *MongoStore) ListEvents(ctx context.Context, sessionID string, limit, offset int) ([]*domain.InboundEvent, error) {
	return m.findEvents(ctx, "query events", bson.M{"session_id": sessionID}, clampLimit(limit), clampOffset(offset))
}

// ListMessages retrieves delivered message events for a session, newest
// first. Lifecycle notices are excluded; a non-zero chatID restricts the
// result to one chat.
func (m *MongoStore) ListMessages(ctx context.Context, sessionID string, chatID int64, limit, offset int) ([]*domain.InboundEvent, error) {
	filter := bson.M{
		"session_id": sessionID,
		"event":      bson.M{"$in": messageEventKinds()},
	}
	if chatID != 0 {
		filter["message.chat.id"] = chatID
	}
	return m.findEvents(ctx, "query messages", filter, clampLimit(limit), clampOffset(offset))
}

// AgentStats aggregates stored message events for one agent across all of
// its sessions: the message total, the distinct chat count, and the size
// of the most recent batch of up to ten messages.
func (m *MongoStore) AgentStats(ctx context.Context, agentID int64) (*domain.AgentStats, error) {
	filter := bson.M{
		"agent_id": agentID,
		"event":    bson.M{"$in": messageEventKinds()},
	}

	total, err := m.events.CountDocuments(ctx, filter)
	if err != nil {
		return nil, storageErr("aggregate agent stats", err)
	}

	chats, err := m.events.Distinct(ctx, "message.chat.id", filter)
	if err != nil {
		return nil, storageErr("count agent chats", err)
	}

	recent, err := m.events.CountDocuments(ctx, filter, options.Count().SetLimit(10))
	if err != nil {
		return nil, storageErr("count recent agent messages", err)
	}

	return &domain.AgentStats{
		AgentID:        agentID,
		TotalMessages:  total,
		UniqueChats:    int64(len(chats)),
		RecentMessages: recent,
	}, nil
}

func messageEventKinds() bson.A {
	return bson.A{string(domain.EventNewMessage), string(domain.EventMessageEdited)}
}

func (m *MongoStore) findEvents(ctx context.Context, op string, filter bson.M, limit, offset int) ([]*domain.InboundEvent, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "received_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cursor, err := m.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer closeCursor(ctx, cursor)

	var events []*domain.InboundEvent
	for cursor.Next(ctx) {
		var event domain.InboundEvent
		if err := cursor.Decode(&event); err != nil {
			return nil, storageErr("decode event document", err)
		}
		events = append(events, &event)
	}
	if err := cursor.Err(); err != nil {
		return nil, storageErr(op, err)
	}

	return events, nil
}

// Close disconnects from MongoDB.
func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	return nil
}

func closeCursor(ctx context.Context, cursor *mongo.Cursor) {
	if err := cursor.Close(ctx); err != nil {
		slog.Warn("Failed to close cursor", "error", err)
	}
}
