package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// CachedCredential is the denormalized client-credential row used by bearer
// authentication. The primary store owns it; caches hold disposable copies.
type CachedCredential struct {
	ClientID              uuid.UUID         `json:"client_id"`
	ApplicationID         uuid.UUID         `json:"application_id"`
	OrganizationID        uuid.UUID         `json:"organization_id"`
	EncryptedClientSecret string            `json:"encrypted_client_secret"`
	ApplicationName       string            `json:"application_name"`
	OrganizationName      string            `json:"organization_name"`
	ApplicationConfig     map[string]string `json:"application_config"`
	IsActive              bool              `json:"is_active"`
	CreatedAt             int64             `json:"created_at"`
	UpdatedAt             int64             `json:"updated_at"`
}

// CredentialCacheKeyPrefix prefixes every credential cache entry
const CredentialCacheKeyPrefix = "apporg:client_id:"

// CredentialCacheKey returns the cache key for a client id
func CredentialCacheKey(clientID uuid.UUID) string {
	return fmt.Sprintf("%s%s", CredentialCacheKeyPrefix, clientID)
}
