// Package history durably records transition events in MongoDB. Active
// outages live in the crashes collection (one document per down peer,
// with the set of witnessing monitors); resolved outages and isolation
// episodes are archived in crash_history.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/Annad25/gpu-monitor/pkg/event"
)

// ErrStore marks a failed durable append. Non-fatal to the monitor loop.
var ErrStore = errors.New("history store failure")

const (
	databaseName      = "gpu_monitor"
	collectionActive  = "crashes"
	collectionHistory = "crash_history"
)

// Store is an event.Sink backed by MongoDB.
type Store struct {
	client  *mongo.Client
	active  *mongo.Collection
	history *mongo.Collection
	localID string
	log     *zap.Logger
}

// NewStore connects to Mongo and pings it; a connection failure here is a
// startup error, everything after that is best-effort.
func NewStore(ctx context.Context, uri, localID string, log *zap.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "ping mongo")
	}

	db := client.Database(databaseName)
	return &Store{
		client:  client,
		active:  db.Collection(collectionActive),
		history: db.Collection(collectionHistory),
		localID: localID,
		log:     log,
	}, nil
}

// Name implements event.Sink.
func (s *Store) Name() string { return "history" }

// Deliver implements event.Sink.
func (s *Store) Deliver(ctx context.Context, ev event.Event) error {
	switch ev.Kind {
	case event.KindPeerDown:
		return s.recordDown(ctx, ev)
	case event.KindPeerRecovered:
		return s.recordRecovery(ctx, ev)
	case event.KindSelfIsolationStart, event.KindSelfIsolationEnd:
		return s.recordIsolation(ctx, ev)
	default:
		return nil
	}
}

// recordDown upserts the active crash document, accumulating witnesses
// across monitors; down_since is only set by the first witness.
func (s *Store) recordDown(ctx context.Context, ev event.Event) error {
	_, err := s.active.UpdateOne(ctx,
		bson.M{"_id": ev.Peer},
		bson.M{
			"$set":         bson.M{"status": "down"},
			"$setOnInsert": bson.M{"down_since": ev.At},
			"$addToSet":    bson.M{"witnesses": ev.Witness},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrapf(ErrStore, "record down %s: %v", ev.Peer, err)
	}
	return nil
}

// recordRecovery closes the active crash document and archives it.
func (s *Store) recordRecovery(ctx context.Context, ev event.Event) error {
	var crash bson.M
	err := s.active.FindOne(ctx, bson.M{"_id": ev.Peer}).Decode(&crash)
	if err == mongo.ErrNoDocuments {
		// Another witness already archived it.
		return nil
	}
	if err != nil {
		return errors.Wrapf(ErrStore, "load crash %s: %v", ev.Peer, err)
	}

	if _, err := s.active.DeleteOne(ctx, bson.M{"_id": ev.Peer}); err != nil {
		return errors.Wrapf(ErrStore, "clear crash %s: %v", ev.Peer, err)
	}

	recoveredAt := ev.At
	crash["_id"] = fmt.Sprintf("%s_%s", ev.Peer, recoveredAt.UTC().Format("20060102_150405"))
	crash["status"] = "resolved"
	crash["recovered_at"] = recoveredAt
	crash["downtime_seconds"] = int64(ev.Duration / time.Second)

	if _, err := s.history.InsertOne(ctx, crash); err != nil {
		return errors.Wrapf(ErrStore, "archive crash %s: %v", ev.Peer, err)
	}
	return nil
}

// recordIsolation appends self-isolation episodes straight to history.
func (s *Store) recordIsolation(ctx context.Context, ev event.Event) error {
	doc := bson.M{
		"_id":     fmt.Sprintf("%s_%s_%s", ev.Peer, ev.Kind, ev.At.UTC().Format("20060102_150405")),
		"kind":    string(ev.Kind),
		"node":    ev.Peer,
		"at":      ev.At,
		"witness": ev.Witness,
	}
	if ev.Kind == event.KindSelfIsolationEnd {
		doc["duration_seconds"] = int64(ev.Duration / time.Second)
	}
	if _, err := s.history.InsertOne(ctx, doc); err != nil {
		return errors.Wrapf(ErrStore, "record isolation %s: %v", ev.Peer, err)
	}
	return nil
}

// Close releases the Mongo connection.
func (s *Store) Close(ctx context.Context) {
	if err := s.client.Disconnect(ctx); err != nil {
		s.log.Warn("mongo disconnect", zap.Error(err))
	}
}
