package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sophyphreak/stela/internal/storage"
	"github.com/sophyphreak/stela/pkg/signature"
)

// pendingFluxDocument seeds a flux waiting on the signing circuit
func pendingFluxDocument(t *testing.T, env *testEnv) *storage.Document {
	t.Helper()

	require.NoError(t, env.store.SaveAuthority(context.Background(), &storage.LocalAuthority{
		ID: "auth-2", Siren: "987654321", Department: "006", District: "2", Nature: "1",
		MainEmail: "mairie@autre.fr", CircuitSubscribed: true,
		CircuitToken: "tok", CircuitSecret: "sec",
	}))

	doc := fluxDocument()
	doc.AuthorityID = "auth-2"
	doc.FileName = "flux-001.xml"
	doc.ClasseurID = 101
	doc.CircuitDocID = 201
	require.NoError(t, env.store.CreateDocument(context.Background(), doc))
	require.NoError(t, env.store.AppendHistory(context.Background(), &storage.HistoryEntry{
		DocumentID: doc.ID,
		Status:     storage.StatusPendingSignature,
		Date:       testClock().Add(-time.Hour),
	}))
	return doc
}

func TestCheckWithdrawn(t *testing.T) {
	env := newTestEnv(t, Config{})
	doc := pendingFluxDocument(t, env)
	env.circuit.withdrawn[101] = true

	require.NoError(t, env.engine.CheckWithdrawn(context.Background()))

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusClasseurWithdrawn, statuses[len(statuses)-1])

	// a second sweep must not duplicate the entry
	before := len(statuses)
	require.NoError(t, env.engine.CheckWithdrawn(context.Background()))
	assert.Len(t, historyStatuses(t, env, doc.ID), before)
}

func TestCheckSignedDeliversSignedFlux(t *testing.T) {
	env := newTestEnv(t, Config{})
	doc := pendingFluxDocument(t, env)
	env.circuit.signed[201] = true
	env.circuit.content = []byte("<PES_Aller signed/>")

	require.NoError(t, env.engine.CheckSigned(context.Background()))

	stored, err := env.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.True(t, stored.Signed)
	assert.Equal(t, []byte("<PES_Aller signed/>"), stored.Attachment.Content)

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusSent, statuses[len(statuses)-1])

	require.Len(t, env.uploader.uploads, 1)
	assert.Equal(t, "flux-001.xml", env.uploader.uploads[0].filename)
	assert.Equal(t, []byte("<PES_Aller signed/>"), env.uploader.uploads[0].content)
}

func TestCheckSignedRejectsDefectiveSignature(t *testing.T) {
	env := newTestEnv(t, Config{})
	doc := pendingFluxDocument(t, env)
	env.circuit.signed[201] = true
	env.circuit.content = []byte("<PES_Aller tampered/>")

	result := &signature.Result{Signed: true}
	result.Errors = []signature.ErrorKind{signature.ErrSignatureControlErrors}
	env.validator.result = result

	require.NoError(t, env.engine.CheckSigned(context.Background()))

	// the returned bytes are recorded but the flux must not go out
	stored, err := env.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.True(t, stored.Signed)
	assert.Equal(t, []byte("<PES_Aller tampered/>"), stored.Attachment.Content)

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusSignatureInvalid, statuses[len(statuses)-1])
	assert.Empty(t, env.uploader.uploads)
}

func TestCheckSignedSkipsUnfinishedAndWithdrawn(t *testing.T) {
	env := newTestEnv(t, Config{})
	doc := pendingFluxDocument(t, env)

	// still in circulation
	require.NoError(t, env.engine.CheckSigned(context.Background()))
	assert.Empty(t, env.uploader.uploads)

	// signed after withdrawal must stay untouched
	require.NoError(t, env.store.AppendHistory(context.Background(), &storage.HistoryEntry{
		DocumentID: doc.ID,
		Status:     storage.StatusClasseurWithdrawn,
		Date:       testClock().Add(-time.Minute),
	}))
	env.circuit.signed[201] = true
	require.NoError(t, env.engine.CheckSigned(context.Background()))
	assert.Empty(t, env.uploader.uploads)
}

func TestRetryUnsentGivesUpAfterBudget(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 2})
	env.uploader.fail = true
	doc := acteDocument()

	// first pass: archive built and size-checked, delivery fails
	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))
	statuses := historyStatuses(t, env, doc.ID)
	require.Equal(t, storage.StatusNotSent, statuses[len(statuses)-1])

	for i := 0; i < 2; i++ {
		require.NoError(t, env.engine.RetryUnsent(context.Background()))
		statuses = historyStatuses(t, env, doc.ID)
		assert.Equal(t, storage.StatusNotSent, statuses[len(statuses)-1])
		assert.Equal(t, storage.StatusResent, statuses[len(statuses)-2])
	}

	require.NoError(t, env.engine.RetryUnsent(context.Background()))
	statuses = historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusMaxRetryReach, statuses[len(statuses)-1])

	// a settled document is out of the sweep's reach
	before := len(statuses)
	require.NoError(t, env.engine.RetryUnsent(context.Background()))
	assert.Len(t, historyStatuses(t, env, doc.ID), before)
}

func TestRetryUnsentSucceeds(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 2})
	env.uploader.fail = true
	doc := acteDocument()

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	env.uploader.fail = false
	require.NoError(t, env.engine.RetryUnsent(context.Background()))

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusSent, statuses[len(statuses)-1])
	require.Len(t, env.uploader.uploads, 1)
}
