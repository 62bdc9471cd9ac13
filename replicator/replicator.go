// Package replicator maps user table changes to domain events and publishes
// them to the broker as JSON envelopes.
package replicator

import (
	"context"
	"fmt"

	"github.com/keygate/keygate/broker"
	"github.com/keygate/keygate/cdc"
	"github.com/keygate/keygate/domain"
	"github.com/keygate/keygate/telemetry"
	"github.com/keygate/keygate/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config configures a Replicator
type Config struct {
	Publisher broker.Publisher
	Topic     string // destination of user events
	// OnPublished, when set, is called after every published event
	OnPublished func()
}

// Replicator is a cdc.Consumer for the users table
type Replicator struct {
	publisher   broker.Publisher
	topic       string
	onPublished func()
	tracer      trace.Tracer
}

// New creates a replicator
func New(config Config) (*Replicator, error) {
	if config.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &Replicator{
		publisher:   config.Publisher,
		topic:       config.Topic,
		onPublished: config.OnPublished,
		tracer:      tracing.Tracer("replicator"),
	}, nil
}

// Consume implements cdc.Consumer
func (r *Replicator) Consume(ctx context.Context, row cdc.ChangeRow) error {
	return r.Replicate(ctx, row)
}

// Replicate maps one change row and publishes the resulting event.
// Rows that cannot be mapped return a recoverable error; publish failures
// are returned as is and stop the stream.
func (r *Replicator) Replicate(ctx context.Context, row cdc.ChangeRow) error {
	ctx, span := r.tracer.Start(ctx, "replicator.replicate",
		trace.WithAttributes(
			attribute.String("table", row.Table),
			attribute.String("cdc.operation", row.Operation.String()),
		))
	defer span.End()

	event, ok, err := MapRow(row)
	if err != nil {
		telemetry.ReplicatorEventsTotal.With(row.Operation.String(), "invalid").Inc()
		span.SetStatus(codes.Error, err.Error())
		return cdc.Recoverable(err)
	}
	if !ok {
		telemetry.ReplicatorEventsTotal.With(row.Operation.String(), "ignored").Inc()
		log.Debug().
			Str("table", row.Table).
			Str("operation", row.Operation.String()).
			Msg("Ignoring change row")
		return nil
	}

	payload, err := domain.EncodeEnvelope(event)
	if err != nil {
		telemetry.ReplicatorEventsTotal.With(string(event.Operation), "invalid").Inc()
		return cdc.Recoverable(err)
	}

	key := event.PartitionKey()
	span.SetAttributes(
		attribute.String("operation", string(event.Operation)),
		attribute.String("user_id", key),
	)

	if err := r.publisher.Publish(ctx, r.topic, key, payload); err != nil {
		telemetry.ReplicatorEventsTotal.With(string(event.Operation), "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("failed to publish %s event for user %s: %w", event.Operation, key, err)
	}

	telemetry.ReplicatorEventsTotal.With(string(event.Operation), "published").Inc()
	if r.onPublished != nil {
		r.onPublished()
	}
	log.Debug().
		Str("operation", string(event.Operation)).
		Str("topic", r.topic).
		Str("user_id", key).
		Msg("Published user event")

	return nil
}

// MapRow converts a change row to a domain event. It reports false for
// operations that do not map to an event.
func MapRow(row cdc.ChangeRow) (domain.DomainEvent, bool, error) {
	switch row.Operation {
	case cdc.OpInsert:
		user, err := userFromRow(row)
		if err != nil {
			return domain.DomainEvent{}, false, err
		}
		return domain.NewUpsertEvent(domain.OpCreate, user), true, nil
	case cdc.OpUpdate:
		user, err := userFromRow(row)
		if err != nil {
			return domain.DomainEvent{}, false, err
		}
		return domain.NewUpsertEvent(domain.OpUpdate, user), true, nil
	case cdc.OpRowDelete:
		key, err := keyFromRow(row)
		if err != nil {
			return domain.DomainEvent{}, false, err
		}
		return domain.NewDeleteEvent(key), true, nil
	}
	return domain.DomainEvent{}, false, nil
}

func userFromRow(row cdc.ChangeRow) (domain.User, error) {
	var (
		u   domain.User
		err error
	)

	if u.UserID, err = uuidColumn(row, ColUserID); err != nil {
		return u, err
	}
	if u.OrganizationID, err = uuidColumn(row, ColOrganizationID); err != nil {
		return u, err
	}
	if u.ApplicationID, err = uuidColumn(row, ColApplicationID); err != nil {
		return u, err
	}
	if u.Username, err = stringColumn(row, ColUsername); err != nil {
		return u, err
	}
	if u.HashedPassword, err = stringColumn(row, ColHashedPassword); err != nil {
		return u, err
	}
	if u.Email, err = optionalStringColumn(row, ColEmail); err != nil {
		return u, err
	}
	if u.DisplayName, err = optionalStringColumn(row, ColDisplayName); err != nil {
		return u, err
	}
	if u.IsActive, err = boolColumn(row, ColIsActive); err != nil {
		return u, err
	}
	if u.IsEmailVerified, err = boolColumn(row, ColIsEmailVerified); err != nil {
		return u, err
	}
	if u.LastLoginAt, err = optionalTimestampColumn(row, ColLastLoginAt); err != nil {
		return u, err
	}
	if u.CreatedAt, err = timestampColumn(row, ColCreatedAt); err != nil {
		return u, err
	}
	if u.UpdatedAt, err = timestampColumn(row, ColUpdatedAt); err != nil {
		return u, err
	}

	return u, nil
}

func keyFromRow(row cdc.ChangeRow) (domain.UserKey, error) {
	var (
		k   domain.UserKey
		err error
	)

	if k.UserID, err = uuidColumn(row, ColUserID); err != nil {
		return k, err
	}
	if k.OrganizationID, err = optionalUUIDColumn(row, ColOrganizationID); err != nil {
		return k, err
	}
	if k.ApplicationID, err = optionalUUIDColumn(row, ColApplicationID); err != nil {
		return k, err
	}
	return k, nil
}

// Factory creates one Replicator per tailer shard. Replicators share the
// publisher, which is safe for concurrent use.
type Factory struct {
	config Config
}

// NewFactory validates the configuration and returns a consumer factory
func NewFactory(config Config) (*Factory, error) {
	if _, err := New(config); err != nil {
		return nil, err
	}
	return &Factory{config: config}, nil
}

func (f *Factory) NewConsumer() (cdc.Consumer, error) {
	return New(f.config)
}
