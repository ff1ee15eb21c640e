package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoDB      = "pingup"
	defaultMongoTimeout = 5 * time.Second
)

// Mongo is the MongoDB-backed Repository. Entity names are collection names.
type Mongo struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
	owned   bool
}

var _ Repository = (*Mongo)(nil)

// NewMongo connects and pings the server. dbName defaults to "pingup".
func NewMongo(ctx context.Context, uri, dbName string) (*Mongo, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("mongo uri required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultMongoTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	m := NewMongoWithClient(client, dbName)
	m.owned = true
	return m, nil
}

// NewMongoWithClient wraps an existing client; Close leaves it connected.
func NewMongoWithClient(client *mongo.Client, dbName string) *Mongo {
	if dbName == "" {
		dbName = defaultMongoDB
	}
	return &Mongo{client: client, db: client.Database(dbName), timeout: defaultMongoTimeout}
}

func (m *Mongo) coll(entity Entity) *mongo.Collection {
	return m.db.Collection(string(entity))
}

func (m *Mongo) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if _, ok := parent.Deadline(); ok {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, m.timeout)
}

func (m *Mongo) FindOne(ctx context.Context, entity Entity, filter Filter) (Doc, error) {
	ctx, cancel := m.ctx(ctx)
	defer cancel()
	var out bson.M
	err := m.coll(entity).FindOne(ctx, mongoFilter(filter)).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("find_one", entity, err)
	}
	return Doc(out), nil
}

func (m *Mongo) FindByID(ctx context.Context, entity Entity, id string) (Doc, error) {
	return m.FindOne(ctx, entity, Filter{"_id": id})
}

func (m *Mongo) Find(ctx context.Context, entity Entity, filter Filter, opts FindOptions) ([]Doc, error) {
	ctx, cancel := m.ctx(ctx)
	defer cancel()
	findOpts := options.Find()
	if len(opts.Sort) > 0 {
		sortDoc := bson.D{}
		for _, s := range opts.Sort {
			dir := 1
			if s.Desc {
				dir = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: s.Field, Value: dir})
		}
		findOpts.SetSort(sortDoc)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	cur, err := m.coll(entity).Find(ctx, mongoFilter(filter), findOpts)
	if err != nil {
		return nil, wrap("find", entity, err)
	}
	defer cur.Close(ctx)
	var out []Doc
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, wrap("find", entity, err)
		}
		out = append(out, Doc(doc))
	}
	return out, wrap("find", entity, cur.Err())
}

func (m *Mongo) Create(ctx context.Context, entity Entity, v any) (Doc, error) {
	doc, err := prepareCreate(v, time.Now().UTC())
	if err != nil {
		return nil, wrap("create", entity, err)
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()
	if _, err := m.coll(entity).InsertOne(ctx, bson.M(doc)); err != nil {
		return nil, wrap("create", entity, err)
	}
	return doc, nil
}

func (m *Mongo) UpdateMany(ctx context.Context, entity Entity, filter Filter, patch Patch) (int64, error) {
	update, err := mongoUpdate(patch, time.Now().UTC())
	if err != nil {
		return 0, wrap("update_many", entity, err)
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()
	res, err := m.coll(entity).UpdateMany(ctx, mongoFilter(filter), update)
	if err != nil {
		return 0, wrap("update_many", entity, err)
	}
	return res.MatchedCount, nil
}

func (m *Mongo) UpdateByID(ctx context.Context, entity Entity, id string, patch Patch) error {
	update, err := mongoUpdate(patch, time.Now().UTC())
	if err != nil {
		return wrap("update_by_id", entity, err)
	}
	ctx, cancel := m.ctx(ctx)
	defer cancel()
	res, err := m.coll(entity).UpdateByID(ctx, id, update)
	if err != nil {
		return wrap("update_by_id", entity, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) DeleteByID(ctx context.Context, entity Entity, id string) (bool, error) {
	ctx, cancel := m.ctx(ctx)
	defer cancel()
	res, err := m.coll(entity).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, wrap("delete_by_id", entity, err)
	}
	return res.DeletedCount > 0, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if !m.owned || m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

func mongoFilter(f Filter) bson.M {
	if f == nil {
		return bson.M{}
	}
	return bson.M(f)
}

// mongoUpdate turns a Patch into an update document and stamps updatedAt.
func mongoUpdate(p Patch, now time.Time) (bson.M, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("patch is empty")
	}
	out := bson.M{}
	if !hasOperator(p) {
		set := bson.M{}
		for k, v := range p {
			set[k] = v
		}
		out["$set"] = set
	} else {
		for op, arg := range p {
			switch op {
			case "$set", "$addToSet", "$pull":
			default:
				return nil, fmt.Errorf("unsupported update operator %s", op)
			}
			fields, ok := asMap(arg)
			if !ok {
				return nil, fmt.Errorf("%s expects a document", op)
			}
			cp := bson.M{}
			for k, v := range fields {
				cp[k] = v
			}
			out[op] = cp
		}
	}
	set, _ := out["$set"].(bson.M)
	if set == nil {
		set = bson.M{}
		out["$set"] = set
	}
	set["updatedAt"] = now
	return out, nil
}
