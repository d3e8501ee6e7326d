package session

import (
	"context"
	"errors"

	"civic-session-svc/src/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ActivityPublisher is satisfied by clients.ActivityPublisher.
type ActivityPublisher interface {
	PublishActivity(userID, tabID, serviceName, action string) error
}

// NewAuditListener records sign-ins in repo and reports session activity to
// publisher. Either may be nil. Failures are logged and never reach the store.
func NewAuditListener(repo Repository, publisher ActivityPublisher) Listener {
	return func(ctx context.Context, change Change) {
		logger := logrus.WithFields(logrus.Fields{
			"user_id": change.UserID,
			"tab_id":  change.TabID,
			"origin":  change.Origin,
		})

		action := auditAction(change)
		if action == "" {
			return
		}

		if repo != nil {
			if err := applyAudit(ctx, repo, change, action); err != nil {
				logger.WithError(err).Warn("Failed to write session audit record")
			}
		}

		if publisher != nil {
			if err := publisher.PublishActivity(change.UserID, change.TabID, models.ServiceSessionStore, action); err != nil {
				logger.WithError(err).Warn("Failed to publish session activity")
			}
		}
	}
}

func auditAction(change Change) string {
	switch {
	case change.UserID == "":
		return ""
	case change.Origin == OriginRecovery && change.To == Authenticated:
		return models.ActionSessionRecovered
	case change.Origin == OriginBroadcast:
		return models.ActionSessionSynced
	case change.Origin == OriginLocal && change.To == Authenticated:
		return models.ActionSignedIn
	case change.Origin == OriginLocal && change.From == Authenticated:
		return models.ActionSignedOut
	}
	return ""
}

func applyAudit(ctx context.Context, repo Repository, change Change, action string) error {
	switch action {
	case models.ActionSignedIn:
		if change.PreviousUserID != "" {
			if err := repo.MarkLoggedOut(ctx, change.PreviousUserID, change.TabID); err != nil {
				return err
			}
		}
		return repo.Create(ctx, newSessionRecord(change))

	case models.ActionSignedOut:
		return repo.MarkLoggedOut(ctx, change.UserID, change.TabID)

	case models.ActionSessionRecovered:
		return touchOrCreate(ctx, repo, change)

	case models.ActionSessionSynced:
		if change.To == Anonymous {
			return repo.MarkLoggedOut(ctx, change.UserID, change.TabID)
		}
		return touchOrCreate(ctx, repo, change)
	}
	return nil
}

// touchOrCreate opens a record for a tab that became authenticated without
// signing in itself, such as a fresh tab recovering lastUserId.
func touchOrCreate(ctx context.Context, repo Repository, change Change) error {
	_, err := repo.GetActive(ctx, change.UserID, change.TabID)
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		return repo.Create(ctx, newSessionRecord(change))
	case err != nil:
		return err
	}
	return repo.UpdateActivity(ctx, change.UserID, change.TabID)
}

func newSessionRecord(change Change) *models.SessionRecord {
	record := &models.SessionRecord{
		SessionID:    uuid.NewString(),
		UserID:       change.UserID,
		TabID:        change.TabID,
		IsActive:     true,
		CreatedAt:    change.At,
		LastActiveAt: change.At,
	}
	if change.Session != nil {
		record.Role = change.Session.Profile.Role
	}
	return record
}
