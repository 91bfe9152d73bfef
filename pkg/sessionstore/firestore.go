package sessionstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	cfg "github.com/feichai0017/payslip-processor/config"
	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

// FirestoreStore keeps one document per session, keyed by session ID.
// Conditional writes run inside a Firestore transaction.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     logger.Logger
}

func NewFirestoreStore(client *firestore.Client, collection string, log logger.Logger) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection, logger: log}
}

// GetFirestoreStore builds a client from the Firestore config.
func GetFirestoreStore(ctx context.Context, log logger.Logger) (*FirestoreStore, error) {
	fsConfig := cfg.GetFirestoreConfig()
	if fsConfig.ProjectID == "" {
		return nil, fmt.Errorf("FIRESTORE_PROJECT_ID environment variable must be set")
	}
	client, err := firestore.NewClient(ctx, fsConfig.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return NewFirestoreStore(client, fsConfig.Collection, log), nil
}

func (f *FirestoreStore) doc(id string) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(id)
}

func (f *FirestoreStore) Get(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	snap, err := f.doc(sessionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session document: %w", err)
	}
	var s models.UploadSession
	if err := snap.DataTo(&s); err != nil {
		return nil, fmt.Errorf("failed to decode session document: %w", err)
	}
	return &s, nil
}

func (f *FirestoreStore) Put(ctx context.Context, session *models.UploadSession) error {
	ref := f.doc(session.ID)
	next := session.Version + 1

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current int64
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return fmt.Errorf("failed to read current version: %w", err)
		default:
			v, err := snap.DataAt("version")
			if err != nil {
				return fmt.Errorf("failed to read version field: %w", err)
			}
			current, _ = v.(int64)
		}
		if current != session.Version {
			return ErrConflict
		}

		out := session.Clone()
		out.Version = next
		return tx.Set(ref, out)
	}, firestore.MaxAttempts(1))

	if err != nil {
		if errors.Is(err, ErrConflict) || status.Code(err) == codes.Aborted {
			return ErrConflict
		}
		f.logger.Error("Failed to write session to firestore",
			logger.String("sessionId", session.ID),
			logger.Error(err),
		)
		return fmt.Errorf("failed to put session: %w", err)
	}

	session.Version = next
	return nil
}

func (f *FirestoreStore) ListActiveSessions(ctx context.Context, userID string) ([]*models.UploadSession, error) {
	iter := f.client.Collection(f.collection).
		Where("userId", "==", userID).
		Where("status", "==", string(models.SessionActive)).
		Documents(ctx)
	defer iter.Stop()

	var out []*models.UploadSession
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		var s models.UploadSession
		if err := snap.DataTo(&s); err != nil {
			f.logger.Warn("Skipping undecodable session document",
				logger.String("docId", snap.Ref.ID),
				logger.Error(err),
			)
			continue
		}
		out = append(out, &s)
	}
	sortByLastUpdate(out)
	return out, nil
}

func (f *FirestoreStore) Close() error {
	return f.client.Close()
}
