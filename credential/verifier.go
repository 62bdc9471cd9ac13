package credential

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keygate/keygate/domain"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnknownClient is returned for client ids with no active credential
	ErrUnknownClient = errors.New("unknown client")
	// ErrInvalidSecret is returned when the presented secret does not match
	ErrInvalidSecret = errors.New("invalid client secret")
)

// Verifier checks presented client credentials
type Verifier struct {
	layer  *Layer
	cipher *Cipher
}

// NewVerifier creates a verifier
func NewVerifier(layer *Layer, cipher *Cipher) *Verifier {
	return &Verifier{layer: layer, cipher: cipher}
}

// Verify returns the credential when secret matches the stored one
func (v *Verifier) Verify(ctx context.Context, clientID uuid.UUID, secret string) (*domain.CachedCredential, error) {
	cred, err := v.layer.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if cred == nil || !cred.IsActive {
		return nil, ErrUnknownClient
	}

	stored, err := v.cipher.Decrypt(cred.EncryptedClientSecret)
	if err != nil {
		log.Warn().Err(err).Str("client_id", clientID.String()).Msg("Stored client secret does not decrypt")
		return nil, ErrInvalidSecret
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) != 1 {
		return nil, ErrInvalidSecret
	}
	return cred, nil
}

// Register seals secret into cred and writes it through the layer. A zero
// CreatedAt is set to now; UpdatedAt always is.
func (v *Verifier) Register(ctx context.Context, cred domain.CachedCredential, secret string) error {
	if secret == "" {
		return fmt.Errorf("client secret is required")
	}
	sealed, err := v.cipher.Encrypt(secret)
	if err != nil {
		return err
	}
	cred.EncryptedClientSecret = sealed

	now := time.Now().UnixMilli()
	if cred.CreatedAt == 0 {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	return v.layer.Write(ctx, cred)
}
