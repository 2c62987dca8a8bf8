// Package mongo persists user playback preference and playback positions.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"streamsource/internal/domain"
)

type playbackPositionDoc struct {
	ID        string  `bson:"_id"`
	MediaType string  `bson:"mediaType"`
	MediaID   string  `bson:"mediaId"`
	Season    int     `bson:"season"`
	Episode   int     `bson:"episode"`
	Position  float64 `bson:"position"`
	Duration  float64 `bson:"duration"`
	Title     string  `bson:"title"`
	UpdatedAt int64   `bson:"updatedAt"`
}

// PlaybackHistoryRepository keeps resume points so playback position
// survives manual source switches and restarts.
type PlaybackHistoryRepository struct {
	collection *mongo.Collection
}

func NewPlaybackHistoryRepository(client *mongo.Client, dbName string) *PlaybackHistoryRepository {
	return &PlaybackHistoryRepository{collection: client.Database(dbName).Collection("playback_history")}
}

func (r *PlaybackHistoryRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
		{Keys: bson.D{{Key: "mediaId", Value: 1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

func positionDocID(key domain.MediaKey) string {
	return fmt.Sprintf("%s:%s:%d:%d", key.MediaType, key.MediaID, key.Season, key.Episode)
}

func (r *PlaybackHistoryRepository) Upsert(ctx context.Context, pos domain.PlaybackPosition) error {
	update := bson.M{
		"$set": bson.M{
			"mediaType": string(pos.MediaType),
			"mediaId":   pos.MediaID,
			"season":    pos.Season,
			"episode":   pos.Episode,
			"position":  pos.Position,
			"duration":  pos.Duration,
			"title":     pos.Title,
			"updatedAt": time.Now().Unix(),
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": positionDocID(pos.Key())},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *PlaybackHistoryRepository) Get(ctx context.Context, key domain.MediaKey) (domain.PlaybackPosition, error) {
	var doc playbackPositionDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": positionDocID(key)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.PlaybackPosition{}, domain.ErrNotFound
		}
		return domain.PlaybackPosition{}, err
	}
	return positionDocToDomain(doc), nil
}

func (r *PlaybackHistoryRepository) ListRecent(ctx context.Context, limit int) ([]domain.PlaybackPosition, error) {
	if limit <= 0 {
		limit = 20
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []playbackPositionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	positions := make([]domain.PlaybackPosition, 0, len(docs))
	for _, doc := range docs {
		positions = append(positions, positionDocToDomain(doc))
	}
	return positions, nil
}

func (r *PlaybackHistoryRepository) Delete(ctx context.Context, key domain.MediaKey) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": positionDocID(key)})
	return err
}

func positionDocToDomain(doc playbackPositionDoc) domain.PlaybackPosition {
	return domain.PlaybackPosition{
		MediaType: domain.MediaType(doc.MediaType),
		MediaID:   doc.MediaID,
		Season:    doc.Season,
		Episode:   doc.Episode,
		Position:  doc.Position,
		Duration:  doc.Duration,
		Title:     doc.Title,
		UpdatedAt: time.Unix(doc.UpdatedAt, 0).UTC(),
	}
}
