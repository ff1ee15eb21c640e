package repository

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Doc is one stored document in its BSON-normalized form.
type Doc map[string]any

// ID returns the document's _id as a string.
func (d Doc) ID() string {
	switch v := d["_id"].(type) {
	case string:
		return v
	case primitive.ObjectID:
		return v.Hex()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Decode copies the document into a bson-tagged struct.
func (d Doc) Decode(out any) error {
	data, err := bson.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := bson.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// DecodeAll decodes a result set into a slice of T.
func DecodeAll[T any](docs []Doc) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// toDoc normalizes a struct or map into a Doc.
func toDoc(v any) (Doc, error) {
	if v == nil {
		return nil, fmt.Errorf("document is nil")
	}
	data, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var m bson.M
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return Doc(m), nil
}

// prepareCreate assigns an id and timestamps when the caller left them out.
func prepareCreate(v any, now time.Time) (Doc, error) {
	doc, err := toDoc(v)
	if err != nil {
		return nil, err
	}
	if id, ok := doc["_id"]; !ok || id == nil || id == "" {
		doc["_id"] = uuid.NewString()
	}
	stamp := primitive.NewDateTimeFromTime(now)
	if _, ok := doc["createdAt"]; !ok {
		doc["createdAt"] = stamp
	}
	doc["updatedAt"] = stamp
	return doc, nil
}

// normalize pushes a single value through the bson codec so that filter
// values compare against stored values of the same Go type.
func normalize(v any) (any, error) {
	data, err := bson.Marshal(bson.M{"v": v})
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m["v"], nil
}
