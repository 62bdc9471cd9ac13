// Package scylla reads ScyllaDB CDC logs through gocql and exposes them as a
// cdc.Source.
package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/keygate/keygate/cfg"
	"github.com/rs/zerolog/log"
)

// NewSession opens a session shared by the change source and the credential store
func NewSession(config cfg.ScyllaConfiguration) (*gocql.Session, error) {
	if len(config.Hosts) == 0 {
		return nil, fmt.Errorf("scylla requires at least one host")
	}

	cluster := gocql.NewCluster(config.Hosts...)
	cluster.Keyspace = config.Keyspace
	if config.TimeoutMS > 0 {
		cluster.Timeout = time.Duration(config.TimeoutMS) * time.Millisecond
	}
	if config.Consistency != "" {
		consistency, err := gocql.ParseConsistencyWrapper(config.Consistency)
		if err != nil {
			return nil, fmt.Errorf("invalid consistency %q: %w", config.Consistency, err)
		}
		cluster.Consistency = consistency
	}
	if config.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: config.Username,
			Password: config.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scylla: %w", err)
	}

	log.Info().
		Strs("hosts", config.Hosts).
		Str("keyspace", config.Keyspace).
		Msg("Connected to scylla")

	return session, nil
}
