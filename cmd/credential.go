package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/keygate/keygate/cdc/scylla"
	"github.com/keygate/keygate/cfg"
	"github.com/keygate/keygate/credential"
	"github.com/keygate/keygate/domain"
	"github.com/spf13/cobra"
)

const credentialTimeout = 10 * time.Second

var credentialOpts struct {
	clientID       string
	secret         string
	applicationID  string
	organizationID string
	appName        string
	orgName        string
	config         map[string]string
	inactive       bool
}

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Resolve client credentials through the credential cache",
}

var credentialShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Look up a client credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCredentials(func(ctx context.Context, layer *credential.Layer, clientID uuid.UUID) error {
			cred, err := layer.Lookup(ctx, clientID)
			if err != nil {
				return err
			}
			if cred == nil {
				return fmt.Errorf("client %s not found", clientID)
			}
			cred.EncryptedClientSecret = "<redacted>"

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cred)
		})
	},
}

var credentialVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a client secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cipher, err := credential.NewCipher(cfg.Config.Credential.SecretKey)
		if err != nil {
			return err
		}
		return withCredentials(func(ctx context.Context, layer *credential.Layer, clientID uuid.UUID) error {
			cred, err := credential.NewVerifier(layer, cipher).Verify(ctx, clientID, credentialOpts.secret)
			if err != nil {
				return err
			}
			fmt.Printf("client %s verified (application %s, organization %s)\n",
				cred.ClientID, cred.ApplicationName, cred.OrganizationName)
			return nil
		})
	},
}

var credentialInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop the cached copy of a client credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCredentials(func(ctx context.Context, layer *credential.Layer, clientID uuid.UUID) error {
			return layer.Invalidate(ctx, clientID)
		})
	},
}

var credentialPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Create or replace a client credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		appID, err := uuid.Parse(credentialOpts.applicationID)
		if err != nil {
			return fmt.Errorf("invalid application id: %w", err)
		}
		orgID, err := uuid.Parse(credentialOpts.organizationID)
		if err != nil {
			return fmt.Errorf("invalid organization id: %w", err)
		}
		cipher, err := credential.NewCipher(cfg.Config.Credential.SecretKey)
		if err != nil {
			return err
		}
		return withCredentials(func(ctx context.Context, layer *credential.Layer, clientID uuid.UUID) error {
			cred := domain.CachedCredential{
				ClientID:          clientID,
				ApplicationID:     appID,
				OrganizationID:    orgID,
				ApplicationName:   credentialOpts.appName,
				OrganizationName:  credentialOpts.orgName,
				ApplicationConfig: credentialOpts.config,
				IsActive:          !credentialOpts.inactive,
			}
			// keep the original creation time on rotation
			if existing, err := layer.Lookup(ctx, clientID); err == nil && existing != nil {
				cred.CreatedAt = existing.CreatedAt
			}
			if err := credential.NewVerifier(layer, cipher).Register(ctx, cred, credentialOpts.secret); err != nil {
				return err
			}
			fmt.Printf("client %s stored\n", clientID)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{credentialShowCmd, credentialVerifyCmd, credentialInvalidateCmd, credentialPutCmd} {
		c.Flags().StringVar(&credentialOpts.clientID, "client-id", "", "Client id (uuid)")
		c.MarkFlagRequired("client-id")
	}
	credentialVerifyCmd.Flags().StringVar(&credentialOpts.secret, "secret", "", "Client secret")
	credentialVerifyCmd.MarkFlagRequired("secret")

	put := credentialPutCmd.Flags()
	put.StringVar(&credentialOpts.secret, "secret", "", "Client secret, stored encrypted")
	put.StringVar(&credentialOpts.applicationID, "application-id", "", "Application id (uuid)")
	put.StringVar(&credentialOpts.organizationID, "organization-id", "", "Organization id (uuid)")
	put.StringVar(&credentialOpts.appName, "application-name", "", "Application name")
	put.StringVar(&credentialOpts.orgName, "organization-name", "", "Organization name")
	put.StringToStringVar(&credentialOpts.config, "config", nil, "Application config entries (key=value)")
	put.BoolVar(&credentialOpts.inactive, "inactive", false, "Store the credential disabled")
	for _, name := range []string{"secret", "application-id", "organization-id"} {
		credentialPutCmd.MarkFlagRequired(name)
	}

	credentialCmd.AddCommand(credentialShowCmd, credentialVerifyCmd, credentialInvalidateCmd, credentialPutCmd)
}

// withCredentials opens the store and cache, builds the layer and runs fn
func withCredentials(fn func(ctx context.Context, layer *credential.Layer, clientID uuid.UUID) error) error {
	clientID, err := uuid.Parse(credentialOpts.clientID)
	if err != nil {
		return fmt.Errorf("invalid client id: %w", err)
	}

	session, err := scylla.NewSession(cfg.Config.Scylla)
	if err != nil {
		return err
	}
	defer session.Close()

	cache, err := credential.NewCache(cfg.Config.Cache)
	if err != nil {
		return err
	}
	defer cache.Close()

	layer, err := credential.NewLayer(cache, credential.NewScyllaStore(session),
		time.Duration(cfg.Config.Cache.TTLSeconds)*time.Second)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), credentialTimeout)
	defer cancel()
	return fn(ctx, layer, clientID)
}
