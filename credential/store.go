package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/keygate/keygate/domain"
)

// Store is the authoritative credential store
type Store interface {
	// Get returns nil, nil when the client does not exist
	Get(ctx context.Context, clientID uuid.UUID) (*domain.CachedCredential, error)
	Put(ctx context.Context, cred domain.CachedCredential) error
}

const (
	queryGetCredential = `SELECT client_id, application_id, organization_id, encrypted_client_secret,
	application_name, organization_name, application_config, is_active, created_at, updated_at
	FROM apporg_by_client_id WHERE client_id = ?`

	queryPutCredential = `INSERT INTO apporg_by_client_id (client_id, application_id, organization_id,
	encrypted_client_secret, application_name, organization_name, application_config, is_active,
	created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// ScyllaStore reads and writes the apporg_by_client_id table
type ScyllaStore struct {
	session *gocql.Session
}

// NewScyllaStore uses a shared session
func NewScyllaStore(session *gocql.Session) *ScyllaStore {
	return &ScyllaStore{session: session}
}

func (s *ScyllaStore) Get(ctx context.Context, clientID uuid.UUID) (*domain.CachedCredential, error) {
	var (
		cid, aid, oid    gocql.UUID
		created, updated time.Time
		cred             domain.CachedCredential
	)

	err := s.session.Query(queryGetCredential, gocql.UUID(clientID)).WithContext(ctx).Scan(
		&cid, &aid, &oid,
		&cred.EncryptedClientSecret,
		&cred.ApplicationName,
		&cred.OrganizationName,
		&cred.ApplicationConfig,
		&cred.IsActive,
		&created, &updated,
	)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential %s: %w", clientID, err)
	}

	cred.ClientID = uuid.UUID(cid)
	cred.ApplicationID = uuid.UUID(aid)
	cred.OrganizationID = uuid.UUID(oid)
	cred.CreatedAt = created.UnixMilli()
	cred.UpdatedAt = updated.UnixMilli()
	return &cred, nil
}

func (s *ScyllaStore) Put(ctx context.Context, cred domain.CachedCredential) error {
	err := s.session.Query(queryPutCredential,
		gocql.UUID(cred.ClientID),
		gocql.UUID(cred.ApplicationID),
		gocql.UUID(cred.OrganizationID),
		cred.EncryptedClientSecret,
		cred.ApplicationName,
		cred.OrganizationName,
		cred.ApplicationConfig,
		cred.IsActive,
		time.UnixMilli(cred.CreatedAt),
		time.UnixMilli(cred.UpdatedAt),
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to write credential %s: %w", cred.ClientID, err)
	}
	return nil
}
