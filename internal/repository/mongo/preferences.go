package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	settingsCollection = "settings"
	preferencesID      = "preferences"
)

type preferencesDoc struct {
	ID        string `bson:"_id"`
	Payload   string `bson:"payload"`
	UpdatedAt int64  `bson:"updatedAt"`
}

// PreferencesRepository stores the preferences envelope as a single document
// in the settings collection.
type PreferencesRepository struct {
	collection *mongo.Collection
}

func NewPreferencesRepository(client *mongo.Client, dbName string) *PreferencesRepository {
	return &PreferencesRepository{collection: client.Database(dbName).Collection(settingsCollection)}
}

func (r *PreferencesRepository) Load(ctx context.Context) ([]byte, bool, error) {
	var doc preferencesDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": preferencesID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, err
	}
	payload, ok := fromPreferencesDoc(doc)
	return payload, ok, nil
}

func (r *PreferencesRepository) Save(ctx context.Context, payload []byte) error {
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": preferencesID},
		preferencesUpdate(payload, time.Now()),
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *PreferencesRepository) Clear(ctx context.Context) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": preferencesID})
	return err
}

func preferencesUpdate(payload []byte, now time.Time) bson.M {
	return bson.M{
		"$set": bson.M{
			"payload":   string(payload),
			"updatedAt": now.Unix(),
		},
	}
}

func fromPreferencesDoc(doc preferencesDoc) ([]byte, bool) {
	if doc.Payload == "" {
		return nil, false
	}
	return []byte(doc.Payload), true
}
