package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/jobs"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
	"github.com/hansei-ai/hansei/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

// recordingChannel counts deliveries and can be told to fail first.
type recordingChannel struct {
	sent     []Message
	failures int
}

func (c *recordingChannel) Send(_ context.Context, msg Message) error {
	if c.failures > 0 {
		c.failures--
		return fault.Transientf("channel down")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func newTestDispatcher(t *testing.T, channel Channel) *Dispatcher {
	t.Helper()
	queue := jobs.NewQueue(testDB, jobs.Options{}, testutil.TestLogger())
	return NewDispatcher(testDB, queue, channel, testutil.TestLogger())
}

func dispatchJob(t *testing.T, payload model.NotifyPayload) model.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return model.Job{ID: uuid.New(), TaskType: model.TaskNotifyDispatch, Payload: raw}
}

func TestDispatchDeliversAtMostOnce(t *testing.T) {
	ctx := context.Background()
	channel := &recordingChannel{}
	d := newTestDispatcher(t, channel)

	payload := model.NotifyPayload{
		OwnerID:   uuid.New(),
		DedupeKey: "insight:" + uuid.NewString(),
		Title:     "Satisfaction declining",
		Body:      "Your career decisions are trending down.",
	}

	require.NoError(t, d.HandleDispatch(ctx, dispatchJob(t, payload)))
	// A redelivered job finds the delivered ledger row and sends nothing.
	require.NoError(t, d.HandleDispatch(ctx, dispatchJob(t, payload)))

	require.Len(t, channel.sent, 1)
	assert.Equal(t, payload.Title, channel.sent[0].Title)

	n, err := testDB.GetNotification(ctx, payload.DedupeKey)
	require.NoError(t, err)
	assert.Equal(t, storage.NotificationDelivered, n.Status)
	assert.NotNil(t, n.DeliveredAt)
}

func TestDispatchRetriesAfterChannelFailure(t *testing.T) {
	ctx := context.Background()
	channel := &recordingChannel{failures: 1}
	d := newTestDispatcher(t, channel)

	payload := model.NotifyPayload{
		OwnerID:   uuid.New(),
		DedupeKey: "insight:" + uuid.NewString(),
		Title:     "t",
		Body:      "b",
	}

	err := d.HandleDispatch(ctx, dispatchJob(t, payload))
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))

	n, err := testDB.GetNotification(ctx, payload.DedupeKey)
	require.NoError(t, err)
	assert.Equal(t, storage.NotificationFailed, n.Status)
	assert.Contains(t, n.LastError, "channel down")

	// The retry resets the failed row and delivers.
	require.NoError(t, d.HandleDispatch(ctx, dispatchJob(t, payload)))
	require.Len(t, channel.sent, 1)

	n, err = testDB.GetNotification(ctx, payload.DedupeKey)
	require.NoError(t, err)
	assert.Equal(t, storage.NotificationDelivered, n.Status)
}

func TestDispatchWithoutDedupeKeyDeadLetters(t *testing.T) {
	d := newTestDispatcher(t, &recordingChannel{})

	err := d.HandleDispatch(context.Background(), dispatchJob(t, model.NotifyPayload{OwnerID: uuid.New()}))
	require.Error(t, err)
	assert.True(t, fault.IsPermanent(err))
}

func TestReminderSweepDispatchesDueRemindersOnce(t *testing.T) {
	ctx := context.Background()
	channel := &recordingChannel{}
	d := newTestDispatcher(t, channel)
	owner := uuid.New()

	decision, err := testDB.CreateDecision(ctx, model.Decision{
		OwnerID: owner,
		Title:   "Switch teams",
	})
	require.NoError(t, err)

	reminder, err := testDB.CreateReminder(ctx, model.Reminder{
		OwnerID:    owner,
		DecisionID: decision.ID,
		DueAt:      time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	// Not yet due reminders stay untouched.
	_, err = testDB.CreateReminder(ctx, model.Reminder{
		OwnerID:    owner,
		DecisionID: decision.ID,
		DueAt:      time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	sweep := model.Job{ID: uuid.New(), TaskType: model.TaskReminderSweep}
	require.NoError(t, d.HandleReminderSweep(ctx, sweep))

	got, err := testDB.GetReminder(ctx, reminder.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SentAt)

	key := fmt.Sprintf("%s:reminder:%s", model.TaskNotifyDispatch, reminder.ID)
	assert.Equal(t, 1, countJobsByKey(t, key))

	// A second sweep finds the reminder already claimed.
	require.NoError(t, d.HandleReminderSweep(ctx, sweep))
	assert.Equal(t, 1, countJobsByKey(t, key))

	// Running the enqueued dispatch delivers a message about the decision.
	var raw json.RawMessage
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		"SELECT payload FROM jobs WHERE idempotency_key = $1", key).Scan(&raw))
	require.NoError(t, d.HandleDispatch(ctx, model.Job{ID: uuid.New(), TaskType: model.TaskNotifyDispatch, Payload: raw}))

	require.Len(t, channel.sent, 1)
	assert.Equal(t, "reminder:"+reminder.ID.String(), channel.sent[0].DedupeKey)
	assert.Contains(t, channel.sent[0].Body, "Switch teams")
}

func countJobsByKey(t *testing.T, key string) int {
	t.Helper()
	var n int
	err := testDB.Pool().QueryRow(context.Background(),
		"SELECT COUNT(*) FROM jobs WHERE idempotency_key = $1", key).Scan(&n)
	require.NoError(t, err)
	return n
}
