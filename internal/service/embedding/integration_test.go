package embedding

import (
	"context"
	"os"
	"testing"

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

func newIntegrationProducer(t *testing.T, provider Provider) (*Producer, *jobs.Queue) {
	t.Helper()
	queue := jobs.NewQueue(testDB, jobs.Options{}, testutil.TestLogger())
	return NewProducer(testDB, queue, provider, ProducerOptions{RateLimit: 1000, Burst: 1000}, testutil.TestLogger()), queue
}

func TestProduceStoresVectorAndSyncJobAtomically(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()
	p, _ := newIntegrationProducer(t, NewNoopProvider(3))

	d, err := testDB.CreateDecision(ctx, model.Decision{OwnerID: owner, Title: "take the offer", Category: "career"})
	require.NoError(t, err)

	require.NoError(t, p.Produce(ctx, d.ID, owner))

	emb, err := testDB.GetEmbedding(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, owner, emb.OwnerID)
	assert.Equal(t, "noop", emb.ModelVersion)
	assert.Len(t, emb.Vector.Slice(), 3)

	var syncJobs int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM jobs WHERE task_type = $1 AND subject = $2",
		model.TaskSearchSync, d.ID.String()).Scan(&syncJobs))
	assert.Equal(t, 1, syncJobs)

	// Regenerating replaces the row and swallows the duplicate sync job.
	require.NoError(t, p.Produce(ctx, d.ID, owner))
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM jobs WHERE task_type = $1 AND subject = $2",
		model.TaskSearchSync, d.ID.String()).Scan(&syncJobs))
	assert.Equal(t, 1, syncJobs)
}

func TestProduceMissingDecisionIsPermanent(t *testing.T) {
	p, _ := newIntegrationProducer(t, NewNoopProvider(3))

	err := p.Produce(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.True(t, fault.IsPermanent(err))
}

func TestProduceOwnerMismatchIsConsistencyViolation(t *testing.T) {
	ctx := context.Background()
	p, _ := newIntegrationProducer(t, NewNoopProvider(3))

	d, err := testDB.CreateDecision(ctx, model.Decision{OwnerID: uuid.New(), Title: "mine"})
	require.NoError(t, err)

	err = p.Produce(ctx, d.ID, uuid.New())
	require.Error(t, err)
	assert.True(t, fault.IsConsistency(err))
}

func TestProduceDimensionMismatchIsPermanent(t *testing.T) {
	ctx := context.Background()
	// Provider claims 5 dimensions but emits 3.
	p, _ := newIntegrationProducer(t, &mismatchedProvider{})

	d, err := testDB.CreateDecision(ctx, model.Decision{OwnerID: uuid.New(), Title: "anything"})
	require.NoError(t, err)

	err = p.Produce(ctx, d.ID, d.OwnerID)
	require.Error(t, err)
	assert.True(t, fault.IsPermanent(err))

	_, err = testDB.GetEmbedding(ctx, d.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "a rejected vector is never stored")
}

type mismatchedProvider struct{ NoopProvider }

func (p *mismatchedProvider) Dimensions() int { return 5 }

func TestBackfillEnqueuesMissingEmbeddings(t *testing.T) {
	ctx := context.Background()
	owner := uuid.New()
	p, _ := newIntegrationProducer(t, NewNoopProvider(3))

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		d, err := testDB.CreateDecision(ctx, model.Decision{OwnerID: owner, Title: "unembedded"})
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}
	// One of them gets its embedding; backfill must skip it.
	require.NoError(t, p.Produce(ctx, ids[0], owner))

	n, err := p.Backfill(ctx, 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	for _, id := range ids[1:] {
		var count int
		require.NoError(t, testDB.Pool().QueryRow(ctx,
			"SELECT COUNT(*) FROM jobs WHERE task_type = $1 AND subject = $2",
			model.TaskEmbeddingGenerate, id.String()).Scan(&count))
		assert.Equal(t, 1, count)
	}

	// Running again finds the pending jobs already queued.
	again, err := p.Backfill(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, again)
}
