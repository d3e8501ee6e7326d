package session

import (
	"context"
	"errors"
	"time"

	"civic-session-svc/src/clients"
	"civic-session-svc/src/internal/models"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type repository struct {
	collection *mongo.Collection
}

// Repository keeps the audit trail of sign-ins, one record per tab sign-in.
type Repository interface {
	Create(ctx context.Context, record *models.SessionRecord) error
	GetActive(ctx context.Context, userID, tabID string) (*models.SessionRecord, error)
	UpdateActivity(ctx context.Context, userID, tabID string) error
	MarkLoggedOut(ctx context.Context, userID, tabID string) error
}

func NewSessionRepository(db *clients.MongoDB, collectionName string) Repository {
	collection := db.Database.Collection(collectionName)
	return &repository{collection: collection}
}

func (r *repository) Create(ctx context.Context, record *models.SessionRecord) error {
	_, err := r.collection.InsertOne(ctx, record)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": record.UserID,
			"tab_id":  record.TabID,
		}).Error("Failed to create session record")
		return models.ErrSessionCreating
	}

	return nil
}

func (r *repository) GetActive(ctx context.Context, userID, tabID string) (*models.SessionRecord, error) {
	var record models.SessionRecord
	filter := bson.M{
		"user_id":   userID,
		"tab_id":    tabID,
		"is_active": true,
	}
	opts := options.FindOne().SetSort(bson.M{"created_at": -1})

	err := r.collection.FindOne(ctx, filter, opts).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrSessionNotFound
		}
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to get session record")
		return nil, models.ErrDatabaseQuery
	}

	return &record, nil
}

func (r *repository) UpdateActivity(ctx context.Context, userID, tabID string) error {
	filter := bson.M{
		"user_id":   userID,
		"tab_id":    tabID,
		"is_active": true,
	}

	update := bson.M{
		"$set": bson.M{
			"last_active_at": time.Now(),
		},
	}

	_, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to update session activity")
		return models.ErrSessionUpdating
	}

	return nil
}

func (r *repository) MarkLoggedOut(ctx context.Context, userID, tabID string) error {
	now := time.Now()
	filter := bson.M{
		"user_id":   userID,
		"tab_id":    tabID,
		"is_active": true,
	}

	update := bson.M{
		"$set": bson.M{
			"is_active":      false,
			"logout_at":      now,
			"last_active_at": now,
		},
	}

	result, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to close session record")
		return models.ErrSessionUpdating
	}

	logrus.WithFields(logrus.Fields{
		"user_id":  userID,
		"tab_id":   tabID,
		"modified": result.ModifiedCount,
	}).Debug("Session records closed")

	return nil
}
