package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"streamsource/internal/domain"
)

const preferenceDocID = "playback"

type preferenceDoc struct {
	ID            string `bson:"_id"`
	AudioLanguage string `bson:"preferredAudioLanguage"`
	Quality       string `bson:"preferredQuality"`
	UpdatedAt     int64  `bson:"updatedAt"`
}

// PreferenceRepository stores the single user playback preference document.
type PreferenceRepository struct {
	collection *mongo.Collection
}

func NewPreferenceRepository(client *mongo.Client, dbName string) *PreferenceRepository {
	return &PreferenceRepository{collection: client.Database(dbName).Collection("settings")}
}

func (r *PreferenceRepository) Get(ctx context.Context) (domain.PlaybackPreference, error) {
	var doc preferenceDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": preferenceDocID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.PlaybackPreference{}, domain.ErrNotFound
		}
		return domain.PlaybackPreference{}, err
	}
	return preferenceDocToDomain(doc), nil
}

func (r *PreferenceRepository) Set(ctx context.Context, pref domain.PlaybackPreference) error {
	update := bson.M{
		"$set": bson.M{
			"preferredAudioLanguage": string(pref.AudioLanguage),
			"preferredQuality":       pref.Quality,
			"updatedAt":              time.Now().Unix(),
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": preferenceDocID},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func preferenceDocToDomain(doc preferenceDoc) domain.PlaybackPreference {
	pref := domain.PlaybackPreference{
		AudioLanguage: domain.Language(strings.ToLower(strings.TrimSpace(doc.AudioLanguage))),
		Quality:       strings.ToLower(strings.TrimSpace(doc.Quality)),
	}
	if pref.AudioLanguage == domain.LanguageUnknown {
		pref.AudioLanguage = domain.LanguageENG
	}
	if pref.Quality == "" {
		pref.Quality = domain.QualityAuto
	}
	return pref
}
