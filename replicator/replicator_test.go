package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/keygate/keygate/broker"
	"github.com/keygate/keygate/cdc"
	"github.com/keygate/keygate/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topic = "identity.users"

var (
	userID = uuid.MustParse("6f1c2c4e-3a55-4a0b-9d1b-1f5f8b3c9a01")
	orgID  = uuid.MustParse("0b6c7a5e-2a6f-4c1e-8f2e-7d4e2a9b1c02")
	appID  = uuid.MustParse("9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c03")
)

func userRow(op cdc.OperationType) cdc.ChangeRow {
	return cdc.ChangeRow{
		Table:     "users",
		StreamID:  cdc.StreamID("s1"),
		Time:      time.UnixMilli(5000),
		Operation: op,
		Columns: map[string]cdc.Cell{
			ColUserID:          {Value: userID},
			ColOrganizationID:  {Value: orgID},
			ColApplicationID:   {Value: appID},
			ColUsername:        {Value: "alice"},
			ColHashedPassword:  {Value: "h"},
			ColCreatedAt:       {Value: int64(1000)},
			ColUpdatedAt:       {Value: time.UnixMilli(1000)},
			ColIsActive:        {Value: true},
			ColIsEmailVerified: {Value: false},
		},
	}
}

func newTestReplicator(t *testing.T) (*Replicator, *broker.MockPublisher) {
	t.Helper()
	pub := &broker.MockPublisher{}
	r, err := New(Config{Publisher: pub, Topic: topic})
	require.NoError(t, err)
	return r, pub
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Topic: topic})
	assert.Error(t, err)

	_, err = New(Config{Publisher: &broker.MockPublisher{}})
	assert.Error(t, err)

	_, err = NewFactory(Config{})
	assert.Error(t, err)
}

func TestReplicate_InsertPublishesCreate(t *testing.T) {
	r, pub := newTestReplicator(t)

	require.NoError(t, r.Replicate(context.Background(), userRow(cdc.OpInsert)))

	msgs := pub.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, topic, msgs[0].Topic)
	assert.Equal(t, userID.String(), msgs[0].Key)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Value, &raw))
	assert.Equal(t, "create", raw["operation"])

	user := raw["user"].(map[string]interface{})
	assert.Equal(t, userID.String(), user["user_id"])
	assert.Equal(t, orgID.String(), user["organization_id"])
	assert.Equal(t, appID.String(), user["application_id"])
	assert.Equal(t, "alice", user["username"])
	assert.Equal(t, "h", user["hashed_password"])
	assert.Equal(t, float64(1000), user["created_at"])
	assert.Equal(t, float64(1000), user["updated_at"])
	assert.Equal(t, true, user["is_active"])
	assert.Equal(t, false, user["is_email_verified"])
	assert.Nil(t, user["email"])
	assert.Nil(t, user["last_login_at"])
}

func TestReplicate_UpdatePublishesUpdate(t *testing.T) {
	r, pub := newTestReplicator(t)

	row := userRow(cdc.OpUpdate)
	row.Columns[ColEmail] = cdc.Cell{Value: "alice@example.com"}
	row.Columns[ColLastLoginAt] = cdc.Cell{Value: time.UnixMilli(4000)}
	row.Columns[ColDisplayName] = cdc.Cell{Deleted: true}

	require.NoError(t, r.Replicate(context.Background(), row))

	msgs := pub.Published()
	require.Len(t, msgs, 1)
	env, err := domain.DecodeEnvelope(msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "update", env.Operation)

	user, err := env.DecodeUser()
	require.NoError(t, err)
	require.NotNil(t, user.Email)
	assert.Equal(t, "alice@example.com", *user.Email)
	require.NotNil(t, user.LastLoginAt)
	assert.Equal(t, int64(4000), *user.LastLoginAt)
	assert.Nil(t, user.DisplayName)
}

func TestReplicate_DeleteCarriesKey(t *testing.T) {
	r, pub := newTestReplicator(t)

	row := cdc.ChangeRow{
		Table:     "users",
		Operation: cdc.OpRowDelete,
		Columns: map[string]cdc.Cell{
			ColUserID:         {Value: userID},
			ColOrganizationID: {Value: orgID},
		},
	}
	require.NoError(t, r.Replicate(context.Background(), row))

	msgs := pub.Published()
	require.Len(t, msgs, 1)
	env, err := domain.DecodeEnvelope(msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "delete", env.Operation)
	assert.False(t, env.HasUser())
	require.NotNil(t, env.Key)
	assert.Equal(t, userID, env.Key.UserID)
	require.NotNil(t, env.Key.OrganizationID)
	assert.Equal(t, orgID, *env.Key.OrganizationID)
	assert.Nil(t, env.Key.ApplicationID)
}

func TestReplicate_IgnoresOtherOperations(t *testing.T) {
	r, pub := newTestReplicator(t)

	for _, op := range []cdc.OperationType{
		cdc.OpPreImage,
		cdc.OpPostImage,
		cdc.OpPartitionDelete,
		cdc.OpRowRangeDelInclusiveLeft,
		cdc.OpRowRangeDelExclusiveRight,
	} {
		assert.NoError(t, r.Replicate(context.Background(), userRow(op)), op.String())
	}
	assert.Empty(t, pub.Published())
}

func TestReplicate_MissingColumnIsRecoverable(t *testing.T) {
	r, pub := newTestReplicator(t)

	row := userRow(cdc.OpInsert)
	delete(row.Columns, ColUsername)

	err := r.Replicate(context.Background(), row)
	require.Error(t, err)
	assert.True(t, cdc.IsRecoverable(err))

	var missing *MissingColumnError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, ColUsername, missing.Column)
	assert.Empty(t, pub.Published())
}

func TestReplicate_DeletedRequiredColumnIsMissing(t *testing.T) {
	r, _ := newTestReplicator(t)

	row := userRow(cdc.OpUpdate)
	row.Columns[ColHashedPassword] = cdc.Cell{Deleted: true}

	var missing *MissingColumnError
	require.ErrorAs(t, r.Replicate(context.Background(), row), &missing)
	assert.Equal(t, ColHashedPassword, missing.Column)
}

func TestReplicate_WrongTypeIsRecoverable(t *testing.T) {
	r, _ := newTestReplicator(t)

	row := userRow(cdc.OpInsert)
	row.Columns[ColIsActive] = cdc.Cell{Value: "yes"}

	err := r.Replicate(context.Background(), row)
	require.Error(t, err)
	assert.True(t, cdc.IsRecoverable(err))

	var wrong *WrongTypeError
	require.ErrorAs(t, err, &wrong)
	assert.Equal(t, ColIsActive, wrong.Column)
	assert.Equal(t, "boolean", wrong.Want)
	assert.Equal(t, "string", wrong.Got)
}

func TestReplicate_PublishFailureIsFatal(t *testing.T) {
	r, pub := newTestReplicator(t)
	boom := errors.New("broker unreachable")
	pub.PublishErr = boom

	err := r.Replicate(context.Background(), userRow(cdc.OpInsert))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, cdc.IsRecoverable(err))
}

func TestReplicate_OnPublishedFiresAfterPublish(t *testing.T) {
	pub := &broker.MockPublisher{}
	var calls int
	r, err := New(Config{Publisher: pub, Topic: topic, OnPublished: func() { calls++ }})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.Replicate(ctx, userRow(cdc.OpInsert)))
	assert.Equal(t, 1, calls)

	require.NoError(t, r.Replicate(ctx, userRow(cdc.OpPreImage)))
	assert.Equal(t, 1, calls, "ignored rows publish nothing")

	pub.PublishErr = errors.New("broker unreachable")
	require.Error(t, r.Replicate(ctx, userRow(cdc.OpUpdate)))
	assert.Equal(t, 1, calls)
}

func TestMapRow_NilUUIDIsMissing(t *testing.T) {
	row := userRow(cdc.OpInsert)
	row.Columns[ColOrganizationID] = cdc.Cell{Value: uuid.Nil}

	_, _, err := MapRow(row)
	var missing *MissingColumnError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, ColOrganizationID, missing.Column)
}

func TestMapRow_UUIDFromString(t *testing.T) {
	row := userRow(cdc.OpInsert)
	row.Columns[ColUserID] = cdc.Cell{Value: userID.String()}

	event, ok, err := MapRow(row)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, userID, event.User.UserID)

	row.Columns[ColUserID] = cdc.Cell{Value: "not-a-uuid"}
	_, _, err = MapRow(row)
	var wrong *WrongTypeError
	assert.ErrorAs(t, err, &wrong)
}

func TestFactory_CreatesIndependentConsumers(t *testing.T) {
	pub := &broker.MockPublisher{}
	f, err := NewFactory(Config{Publisher: pub, Topic: topic})
	require.NoError(t, err)

	a, err := f.NewConsumer()
	require.NoError(t, err)
	b, err := f.NewConsumer()
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	require.NoError(t, a.Consume(context.Background(), userRow(cdc.OpInsert)))
	require.NoError(t, b.Consume(context.Background(), userRow(cdc.OpUpdate)))
	assert.Len(t, pub.Published(), 2)
}
