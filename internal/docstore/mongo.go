package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore maps paths onto MongoDB: "tournaments/t-1" becomes document
// _id "t-1" in collection "tournaments".
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database", ErrUnavailable)
	}
	return &MongoStore{db: db}, nil
}

func (s *MongoStore) Exists(ctx context.Context, path string) (bool, error) {
	col, id, err := splitPath(path)
	if err != nil {
		return false, err
	}
	n, err := s.db.Collection(col).CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", ErrUnavailable, path, err)
	}
	return n > 0, nil
}

func (s *MongoStore) Get(ctx context.Context, path string, out any) error {
	col, id, err := splitPath(path)
	if err != nil {
		return err
	}
	err = s.db.Collection(col).FindOne(ctx, bson.M{"_id": id}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("%w: get %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (s *MongoStore) Set(ctx context.Context, path string, doc map[string]any) error {
	col, id, err := splitPath(path)
	if err != nil {
		return err
	}
	replacement := bson.M{"_id": id}
	for k, v := range doc {
		replacement[k] = v
	}
	_, err = s.db.Collection(col).ReplaceOne(ctx, bson.M{"_id": id}, replacement, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, path string, fields map[string]any) error {
	col, id, err := splitPath(path)
	if err != nil {
		return err
	}
	_, err = s.db.Collection(col).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M(fields)}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: update %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (s *MongoStore) IncrementOnce(ctx context.Context, path, field string, delta int64, marker string, set map[string]any) (bool, error) {
	col, id, err := splitPath(path)
	if err != nil {
		return false, err
	}
	if field == "" || marker == "" {
		return false, fmt.Errorf("%w: empty field", ErrInvalidPath)
	}

	setFields := bson.M{marker: true}
	for k, v := range set {
		setFields[k] = v
	}
	res, err := s.db.Collection(col).UpdateOne(ctx,
		bson.M{"_id": id, marker: bson.M{"$exists": false}},
		bson.M{"$inc": bson.M{field: delta}, "$set": setFields},
		options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// The document exists with the marker already set: the filter did
		// not match and the upsert collided on _id.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: increment %s.%s: %v", ErrUnavailable, path, field, err)
	}
	return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
}
