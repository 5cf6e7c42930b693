// Package mongo is the document-store adapter, one collection per target.
// Statements are stored as flat documents with the statement id as _id, the
// raw payload as a string, and the indexed metadata as top-level fields, so
// every query filter pushes down natively.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/axiomata/recital/internal/backend"
	"github.com/axiomata/recital/internal/model"
)

// Config holds the adapter settings.
type Config struct {
	URI      string
	Database string
	// ConnectTimeout bounds the initial ping. Zero means 10s.
	ConnectTimeout time.Duration
}

// Backend implements backend.Backend on MongoDB.
type Backend struct {
	client *mongo.Client
	db     *mongo.Database
}

// doc is the engine-native document shape. stored_ns carries the full
// nanosecond sort key; BSON datetimes only keep milliseconds, which would
// collapse the within-batch ordering bumps.
type doc struct {
	ID          string `bson:"_id"`
	StoredNS    int64  `bson:"stored_ns"`
	Raw         string `bson:"raw"`
	Actor       string `bson:"actor,omitempty"`
	Verb        string `bson:"verb,omitempty"`
	Activity    string `bson:"activity,omitempty"`
	Authority   string `bson:"authority,omitempty"`
	TimestampNS int64  `bson:"timestamp_ns"`
	Voiding     bool   `bson:"voiding,omitempty"`
	VoidTarget  string `bson:"void_target,omitempty"`
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, fmt.Errorf("mongo: URI and Database are required")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, backend.ConnectionErr("mongo: ping", err)
	}
	return &Backend{client: client, db: client.Database(cfg.Database)}, nil
}

// Capabilities: everything pushes down.
func (b *Backend) Capabilities() backend.CapabilitySet {
	return backend.CapabilitySet(backend.CapBulkWrite | backend.CapNativeFilter | backend.CapNativeRangeFilter)
}

// Write inserts the batch unordered so one bad document does not abort its
// siblings, then maps the bulk exception back to per-item results.
func (b *Backend) Write(ctx context.Context, target string, stmts []model.Statement) []backend.WriteResult {
	results := make([]backend.WriteResult, len(stmts))
	docs := make([]any, len(stmts))
	for i, s := range stmts {
		results[i].ID = s.ID
		docs[i] = toDoc(s)
	}

	_, err := b.db.Collection(target).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return results
	}

	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		for _, we := range bulkErr.WriteErrors {
			if we.Index >= 0 && we.Index < len(results) {
				results[we.Index].Err = backend.RejectedErr("mongo: insert", errors.New(we.Message))
			}
		}
		return results
	}

	// No per-item detail: the whole round trip failed.
	for i := range results {
		results[i].Err = backend.ConnectionErr("mongo: insert", err)
	}
	return results
}

// Read runs a native find with keyset continuation on (stored_ns, _id).
func (b *Backend) Read(ctx context.Context, target string, q model.StatementQuery) (*backend.ReadResult, error) {
	filter := buildFilter(q)

	order := -1
	if q.Ascending {
		order = 1
	}
	opts := options.Find().SetSort(bson.D{{Key: "stored_ns", Value: order}, {Key: "_id", Value: order}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := b.db.Collection(target).Find(ctx, filter, opts)
	if err != nil {
		return nil, classify("mongo: find", err)
	}
	defer cur.Close(ctx)

	var stmts []model.Statement
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return nil, backend.RejectedErr("mongo: decode", err)
		}
		stmts = append(stmts, fromDoc(d))
	}
	if err := cur.Err(); err != nil {
		return nil, classify("mongo: cursor", err)
	}

	res := &backend.ReadResult{Statements: stmts}
	if q.Limit > 0 && len(stmts) == q.Limit {
		last := stmts[len(stmts)-1]
		res.Next = &model.Cursor{Stored: last.Stored, ID: last.ID}
	}
	return res, nil
}

// ReadByIDs fetches exact ids regardless of voiding state.
func (b *Backend) ReadByIDs(ctx context.Context, target string, ids []string) ([]model.Statement, error) {
	cur, err := b.db.Collection(target).Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return nil, classify("mongo: find", err)
	}
	defer cur.Close(ctx)

	var stmts []model.Statement
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return nil, backend.RejectedErr("mongo: decode", err)
		}
		stmts = append(stmts, fromDoc(d))
	}
	return stmts, cur.Err()
}

// List enumerates collections in the database.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	names, err := b.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, classify("mongo: list collections", err)
	}
	return names, nil
}

// Close disconnects the client. Safe to call twice; the driver reports the
// second disconnect as a no-op error which we swallow.
func (b *Backend) Close(ctx context.Context) error {
	if err := b.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return backend.ConnectionErr("mongo: disconnect", err)
	}
	return nil
}

func buildFilter(q model.StatementQuery) bson.D {
	filter := bson.D{}
	if len(q.IDs) > 0 {
		return bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: q.IDs}}}}
	}
	if len(q.VoidTargets) > 0 {
		return bson.D{
			{Key: "voiding", Value: true},
			{Key: "void_target", Value: bson.D{{Key: "$in", Value: q.VoidTargets}}},
		}
	}
	if !q.IncludeVoided {
		filter = append(filter, bson.E{Key: "voiding", Value: bson.D{{Key: "$ne", Value: true}}})
	}
	if q.Actor != "" {
		filter = append(filter, bson.E{Key: "actor", Value: q.Actor})
	}
	if q.Verb != "" {
		filter = append(filter, bson.E{Key: "verb", Value: q.Verb})
	}
	if q.Activity != "" {
		filter = append(filter, bson.E{Key: "activity", Value: q.Activity})
	}
	if q.Authority != "" {
		filter = append(filter, bson.E{Key: "authority", Value: q.Authority})
	}
	ts := bson.D{}
	if q.Since != nil {
		ts = append(ts, bson.E{Key: "$gte", Value: q.Since.UnixNano()})
	}
	if q.Until != nil {
		ts = append(ts, bson.E{Key: "$lt", Value: q.Until.UnixNano()})
	}
	if len(ts) > 0 {
		filter = append(filter, bson.E{Key: "timestamp_ns", Value: ts})
	}
	if q.Cursor != nil {
		op := "$lt"
		if q.Ascending {
			op = "$gt"
		}
		ns := q.Cursor.Stored.UnixNano()
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "stored_ns", Value: bson.D{{Key: op, Value: ns}}}},
			bson.D{
				{Key: "stored_ns", Value: ns},
				{Key: "_id", Value: bson.D{{Key: op, Value: q.Cursor.ID}}},
			},
		}})
	}
	return filter
}

func toDoc(s model.Statement) doc {
	return doc{
		ID:          s.ID,
		StoredNS:    s.Stored.UnixNano(),
		Raw:         string(s.Raw),
		Actor:       s.Meta.Actor,
		Verb:        s.Meta.Verb,
		Activity:    s.Meta.Activity,
		Authority:   s.Meta.Authority,
		TimestampNS: s.Meta.Timestamp.UnixNano(),
		Voiding:     s.Meta.Voiding,
		VoidTarget:  s.Meta.VoidTarget,
	}
}

func fromDoc(d doc) model.Statement {
	return model.Statement{
		ID:     d.ID,
		Stored: time.Unix(0, d.StoredNS).UTC(),
		Raw:    []byte(d.Raw),
		Meta: model.Metadata{
			Actor:      d.Actor,
			Verb:       d.Verb,
			Activity:   d.Activity,
			Authority:  d.Authority,
			Timestamp:  time.Unix(0, d.TimestampNS).UTC(),
			Voiding:    d.Voiding,
			VoidTarget: d.VoidTarget,
		},
	}
}

func classify(op string, err error) error {
	switch {
	case mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return backend.ConnectionErr(op, err)
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s: %w", op, backend.ErrNotFound)
	default:
		return backend.RejectedErr(op, err)
	}
}
