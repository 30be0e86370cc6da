package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sophyphreak/stela/internal/profile"
	"github.com/sophyphreak/stela/internal/storage"
	"github.com/sophyphreak/stela/internal/storage/memory"
	"github.com/sophyphreak/stela/pkg/archive"
	"github.com/sophyphreak/stela/pkg/sesile"
	"github.com/sophyphreak/stela/pkg/signature"
)

var testClock = func() time.Time {
	return time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
}

const fluxXML = `<?xml version="1.0"?>
<PES_Aller>
  <Enveloppe><Parametres><NomFic V="flux-001.xml"/></Parametres></Enveloppe>
  <EnTetePES><CodCol V="001"/><CodBud V="00"/><IdPost V="123456"/></EnTetePES>
  <PES_DepenseAller><Bordereau/></PES_DepenseAller>
</PES_Aller>`

type stubScanner struct {
	infected map[string]bool
}

func (s *stubScanner) Scan(ctx context.Context, filename string, content []byte) error {
	if s.infected[filename] {
		return fmt.Errorf("%s: infected", filename)
	}
	return nil
}

type stubValidator struct {
	result *signature.Result
}

func (s *stubValidator) Validate(content []byte) *signature.Result {
	if s.result == nil {
		return &signature.Result{Signed: true}
	}
	return s.result
}

type stubCircuit struct {
	createErr    error
	addErr       error
	requests     []sesile.ClasseurRequest
	added        []string
	deadlineDays []int
	withdrawn    map[int]bool
	signed       map[int]bool
	content      []byte
}

func (c *stubCircuit) CreateClasseur(ctx context.Context, account sesile.Account, req sesile.ClasseurRequest) (*sesile.Classeur, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.requests = append(c.requests, req)
	return &sesile.Classeur{ID: 100 + len(c.requests)}, nil
}

func (c *stubCircuit) AddFile(ctx context.Context, account sesile.Account, classeurID int, filename string, content []byte) (*sesile.Document, error) {
	if c.addErr != nil {
		return nil, c.addErr
	}
	c.added = append(c.added, filename)
	return &sesile.Document{ID: 200 + len(c.added), Name: filename}, nil
}

func (c *stubCircuit) ClasseurWithdrawn(ctx context.Context, account sesile.Account, classeurID int) (bool, error) {
	return c.withdrawn[classeurID], nil
}

func (c *stubCircuit) DocumentSigned(ctx context.Context, account sesile.Account, documentID int) (bool, error) {
	return c.signed[documentID], nil
}

func (c *stubCircuit) DocumentContent(ctx context.Context, account sesile.Account, documentID int) ([]byte, error) {
	return c.content, nil
}

func (c *stubCircuit) ValidationDeadline(limit *time.Time, daysToValidated int) string {
	c.deadlineDays = append(c.deadlineDays, daysToValidated)
	return "04/09/2026"
}

type stubProfiles struct {
	profiles map[string]*profile.Profile
}

func (p *stubProfiles) GetProfile(ctx context.Context, id string) (*profile.Profile, error) {
	if agent, ok := p.profiles[id]; ok {
		return agent, nil
	}
	return nil, errors.New("unknown profile")
}

type upload struct {
	filename string
	content  []byte
}

type stubUploader struct {
	fail    bool
	uploads []upload
}

func (u *stubUploader) Upload(ctx context.Context, filename string, content []byte) error {
	if u.fail {
		return errors.New("connection refused")
	}
	u.uploads = append(u.uploads, upload{filename: filename, content: content})
	return nil
}

type testEnv struct {
	store     *memory.Store
	scanner   *stubScanner
	validator *stubValidator
	circuit   *stubCircuit
	profiles  *stubProfiles
	uploader  *stubUploader
	engine    *Engine
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     memory.NewStore(),
		scanner:   &stubScanner{infected: map[string]bool{}},
		validator: &stubValidator{},
		circuit:   &stubCircuit{withdrawn: map[int]bool{}, signed: map[int]bool{}},
		profiles:  &stubProfiles{profiles: map[string]*profile.Profile{}},
		uploader:  &stubUploader{},
	}

	builder := archive.NewBuilder("SIC",
		archive.Referent{Name: "Exploitation", Email: "ops@ville.fr", Phone: "0400000000"},
		archive.WithClock(testClock))

	env.engine = New(env.store, builder, env.scanner, env.validator, env.circuit,
		env.profiles, env.uploader, cfg, WithClock(testClock))

	require.NoError(t, env.store.SaveAuthority(context.Background(), &storage.LocalAuthority{
		ID:               "auth-1",
		Name:             "Ville de Test",
		Siren:            "123456789",
		Department:       "006",
		District:         "2",
		Nature:           "1",
		NomenclatureDate: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		MainEmail:        "mairie@ville.fr",
	}))
	return env
}

func acteDocument() *storage.Document {
	return &storage.Document{
		Kind:         storage.KindActe,
		Number:       "DEL2026-42",
		Objet:        "Budget primitif",
		Code:         "1-2-0-0-0",
		NatureCode:   "2",
		NatureAbbrev: "DE",
		Decision:     time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		AuthorityID:  "auth-1",
		Attachment: &storage.Attachment{
			ID:       "att-1",
			Filename: "deliberation.pdf",
			Content:  []byte("%PDF fake"),
		},
	}
}

func fluxDocument() *storage.Document {
	return &storage.Document{
		Kind:        storage.KindPes,
		Objet:       "Bordereau 12",
		AuthorityID: "auth-1",
		Attachment: &storage.Attachment{
			ID:       "att-1",
			Filename: "upload.xml",
			Content:  []byte(fluxXML),
		},
	}
}

func historyStatuses(t *testing.T, env *testEnv, documentID string) []storage.Status {
	t.Helper()
	entries, err := env.store.History(context.Background(), documentID)
	require.NoError(t, err)
	out := make([]storage.Status, len(entries))
	for i, entry := range entries {
		out[i] = entry.Status
	}
	return out
}

func TestCreateActeFullPipeline(t *testing.T) {
	env := newTestEnv(t, Config{})
	doc := acteDocument()

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	assert.Equal(t, []storage.Status{
		storage.StatusCreated,
		storage.StatusAntivirusOK,
		storage.StatusArchiveCreated,
		storage.StatusArchiveSizeChecked,
		storage.StatusSent,
	}, historyStatuses(t, env, doc.ID))

	require.Len(t, env.uploader.uploads, 1)
	assert.Equal(t, "SIC-EACT--123456789--20260901-1.tar.gz", env.uploader.uploads[0].filename)

	exports := env.store.Exports()
	require.Len(t, exports, 1)
	assert.Equal(t, doc.ID, exports[0].DocumentID)
	assert.Equal(t, "123456789", exports[0].Siren)
	assert.NotEmpty(t, exports[0].FileSHA1)
	assert.Equal(t, int64(len(env.uploader.uploads[0].content)), exports[0].FileSize)
}

func TestCreateActeInfectedFile(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.scanner.infected["annexe.pdf"] = true

	doc := acteDocument()
	doc.Annexes = []*storage.Attachment{{ID: "att-2", Filename: "annexe.pdf", Content: []byte("x")}}

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	assert.Equal(t, []storage.Status{
		storage.StatusCreated,
		storage.StatusAntivirusKO,
	}, historyStatuses(t, env, doc.ID))
	assert.Empty(t, env.uploader.uploads)
}

func TestCreateActeMalformedClassificationCode(t *testing.T) {
	env := newTestEnv(t, Config{})
	doc := acteDocument()
	doc.Code = "1-x-0"

	// the build failure lands on the history, not on the caller
	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusFileError, statuses[len(statuses)-1])
	assert.Empty(t, env.uploader.uploads)
}

func TestArchiveTooLarge(t *testing.T) {
	env := newTestEnv(t, Config{MaxArchiveSize: 10})
	doc := acteDocument()

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusArchiveTooLarge, statuses[len(statuses)-1])
	assert.Empty(t, env.uploader.uploads)
}

func TestCreateFluxExtractsMetadata(t *testing.T) {
	env := newTestEnv(t, Config{})
	doc := fluxDocument()
	doc.PJ = true

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	stored, err := env.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "flux-001.xml", stored.FileName)
	assert.Equal(t, "001", stored.ColCode)
	assert.Equal(t, "00", stored.BudCode)
	assert.Equal(t, "123456", stored.PostID)
	assert.Equal(t, "PES_ALLER", stored.FileType)
}

func TestCreateFluxDuplicateFileName(t *testing.T) {
	env := newTestEnv(t, Config{})

	first := fluxDocument()
	first.PJ = true
	require.NoError(t, env.engine.CreateDocument(context.Background(), first))

	second := fluxDocument()
	second.PJ = true
	err := env.engine.CreateDocument(context.Background(), second)
	assert.ErrorIs(t, err, ErrDuplicateFileName)
}

func TestFluxPlainAttachmentGoesStraightToDelivery(t *testing.T) {
	env := newTestEnv(t, Config{})
	doc := fluxDocument()
	doc.PJ = true

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	assert.Equal(t, []storage.Status{
		storage.StatusCreated,
		storage.StatusAntivirusOK,
		storage.StatusPendingSend,
		storage.StatusSent,
	}, historyStatuses(t, env, doc.ID))

	require.Len(t, env.uploader.uploads, 1)
	assert.Equal(t, "flux-001.xml", env.uploader.uploads[0].filename)
}

func TestFluxSignatureVerdicts(t *testing.T) {
	t.Run("valid signature clears for delivery", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.validator.result = &signature.Result{Signed: true}

		doc := fluxDocument()
		require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

		statuses := historyStatuses(t, env, doc.ID)
		assert.Contains(t, statuses, storage.StatusPendingSend)
		assert.Equal(t, storage.StatusSent, statuses[len(statuses)-1])
	})

	t.Run("defects block the flux", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		result := &signature.Result{Signed: true}
		result.Errors = []signature.ErrorKind{signature.ErrUntrustedCertificate}
		env.validator.result = result

		doc := fluxDocument()
		require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

		statuses := historyStatuses(t, env, doc.ID)
		assert.Equal(t, storage.StatusSignatureInvalid, statuses[len(statuses)-1])
		assert.Empty(t, env.uploader.uploads)
	})

	t.Run("unsigned flux is annotated and still delivered", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.validator.result = &signature.Result{Signed: false}

		doc := fluxDocument()
		require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

		statuses := historyStatuses(t, env, doc.ID)
		assert.Contains(t, statuses, storage.StatusSignatureMissing)
		assert.Equal(t, storage.StatusSent, statuses[len(statuses)-1])
		assert.Len(t, env.uploader.uploads, 1)
	})

	t.Run("unsigned flux blocks when configured", func(t *testing.T) {
		env := newTestEnv(t, Config{BlockOnSignatureMissing: true})
		env.validator.result = &signature.Result{Signed: false}

		doc := fluxDocument()
		require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

		statuses := historyStatuses(t, env, doc.ID)
		assert.Equal(t, storage.StatusSignatureMissing, statuses[len(statuses)-1])
		assert.Empty(t, env.uploader.uploads)
	})
}

func TestSignatureMissingNotRepeated(t *testing.T) {
	env := newTestEnv(t, Config{BlockOnSignatureMissing: true})
	env.validator.result = &signature.Result{Signed: false}

	doc := fluxDocument()
	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	before := len(historyStatuses(t, env, doc.ID))
	env.engine.analyseSignature(context.Background(), doc)
	after := len(historyStatuses(t, env, doc.ID))

	assert.Equal(t, before, after, "a repeated verdict must not pile up entries")
}

func TestFluxSubmittedToCircuit(t *testing.T) {
	env := newTestEnv(t, Config{ClasseurType: 5, ClasseurVisibility: 3})
	require.NoError(t, env.store.SaveAuthority(context.Background(), &storage.LocalAuthority{
		ID: "auth-2", Siren: "987654321", Department: "006", District: "2", Nature: "1",
		MainEmail: "mairie@autre.fr", CircuitSubscribed: true,
		CircuitToken: "tok", CircuitSecret: "sec",
	}))
	env.profiles.profiles["agent-1"] = &profile.Profile{
		Email: "agent@autre.fr", ServiceOrganisationNumber: 9, DaysToValidated: 5,
	}

	doc := fluxDocument()
	doc.AuthorityID = "auth-2"
	doc.ProfileID = "agent-1"

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusPendingSignature, statuses[len(statuses)-1])

	require.Len(t, env.circuit.requests, 1)
	req := env.circuit.requests[0]
	assert.Equal(t, "Bordereau 12", req.Name)
	assert.Equal(t, 5, req.Type)
	assert.Equal(t, 9, req.Groupe)
	assert.Equal(t, 3, req.Visibilite)
	assert.Equal(t, "agent@autre.fr", req.Email)
	assert.Equal(t, "04/09/2026", req.Validation)
	assert.Equal(t, []int{5}, env.circuit.deadlineDays, "the agent's deadline wins")
	assert.Equal(t, []string{"flux-001.xml"}, env.circuit.added)

	stored, err := env.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 101, stored.ClasseurID)
	assert.Equal(t, 201, stored.CircuitDocID)
}

func TestCircuitDeadlineFallsBackToConfiguredDays(t *testing.T) {
	env := newTestEnv(t, Config{DaysToValidated: 7})
	require.NoError(t, env.store.SaveAuthority(context.Background(), &storage.LocalAuthority{
		ID: "auth-2", Siren: "987654321", Department: "006", District: "2", Nature: "1",
		MainEmail: "mairie@autre.fr", CircuitSubscribed: true,
		CircuitToken: "tok", CircuitSecret: "sec",
	}))

	// no submitting profile, the configured deadline applies
	doc := fluxDocument()
	doc.AuthorityID = "auth-2"

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	assert.Equal(t, []int{7}, env.circuit.deadlineDays)
}

func TestFluxCircuitDepositFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.store.SaveAuthority(context.Background(), &storage.LocalAuthority{
		ID: "auth-2", Siren: "987654321", Department: "006", District: "2", Nature: "1",
		MainEmail: "mairie@autre.fr", CircuitSubscribed: true,
	}))
	env.circuit.createErr = errors.New("circuit unavailable")

	doc := fluxDocument()
	doc.AuthorityID = "auth-2"

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusSignatureSendingError, statuses[len(statuses)-1])
}

func TestCancelPreconditions(t *testing.T) {
	cases := []struct {
		name    string
		history []storage.Status
		allowed bool
	}{
		{"never acknowledged", []storage.Status{storage.StatusCreated, storage.StatusSent}, false},
		{"acknowledged", []storage.Status{storage.StatusSent, storage.StatusAckReceived}, true},
		{"already cancelled", []storage.Status{storage.StatusAckReceived, storage.StatusCancelled}, false},
		{"cancellation in flight", []storage.Status{storage.StatusAckReceived, storage.StatusCancellationAsked}, false},
		{"cancellation archive in flight", []storage.Status{storage.StatusAckReceived, storage.StatusCancellationArchiveCreated}, false},
		{"archive awaiting delivery", []storage.Status{storage.StatusAckReceived, storage.StatusArchiveSizeChecked}, false},
		{"acknowledged then rejected cancellation", []storage.Status{
			storage.StatusAckReceived, storage.StatusCancellationAsked, storage.StatusNackReceived,
		}, true},
		{"empty history", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			ctx := context.Background()

			doc := acteDocument()
			require.NoError(t, env.store.CreateDocument(ctx, doc))
			for i, status := range tc.history {
				// seeded entries predate anything the engine appends
				require.NoError(t, env.store.AppendHistory(ctx, &storage.HistoryEntry{
					DocumentID: doc.ID,
					Status:     status,
					Date:       testClock().Add(time.Duration(i-60) * time.Minute),
				}))
			}
			before := len(historyStatuses(t, env, doc.ID))

			err := env.engine.Cancel(ctx, doc.ID)
			if tc.allowed {
				require.NoError(t, err)
				statuses := historyStatuses(t, env, doc.ID)
				assert.Equal(t, []storage.Status{
					storage.StatusCancellationAsked,
					storage.StatusCancellationArchiveCreated,
					storage.StatusArchiveSizeChecked,
					storage.StatusSent,
				}, statuses[before:])
			} else {
				assert.ErrorIs(t, err, ErrCancelForbidden)
				assert.Len(t, historyStatuses(t, env, doc.ID), before, "a refusal must not touch the history")
			}
		})
	}
}

func TestRecordAckSettlesPendingCancellation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	doc := acteDocument()
	require.NoError(t, env.store.CreateDocument(ctx, doc))
	for i, status := range []storage.Status{storage.StatusSent, storage.StatusAckReceived} {
		require.NoError(t, env.store.AppendHistory(ctx, &storage.HistoryEntry{
			DocumentID: doc.ID,
			Status:     status,
			Date:       testClock().Add(time.Duration(i-60) * time.Minute),
		}))
	}

	require.NoError(t, env.engine.Cancel(ctx, doc.ID))
	require.NoError(t, env.engine.RecordAck(ctx, doc.ID, true, "annulation enregistrée"))

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusCancelled, statuses[len(statuses)-1])
}

func TestRecordAckPlain(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	doc := acteDocument()
	require.NoError(t, env.engine.CreateDocument(ctx, doc))
	require.NoError(t, env.engine.RecordAck(ctx, doc.ID, true, ""))

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusAckReceived, statuses[len(statuses)-1])

	require.NoError(t, env.engine.RecordAck(ctx, doc.ID, false, "rejet"))
	statuses = historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusNackReceived, statuses[len(statuses)-1])
}

func TestManualResend(t *testing.T) {
	env := newTestEnv(t, Config{})
	doc := acteDocument()

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))
	require.NoError(t, env.engine.ManualResend(context.Background(), doc.ID))

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusManualResent, statuses[len(statuses)-2])
	assert.Equal(t, storage.StatusSent, statuses[len(statuses)-1])

	require.Len(t, env.uploader.uploads, 2)
	assert.Equal(t, env.uploader.uploads[0], env.uploader.uploads[1])
}

func TestRepublishRestartsPipeline(t *testing.T) {
	env := newTestEnv(t, Config{})
	doc := acteDocument()

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))
	require.NoError(t, env.engine.Republish(context.Background(), doc.ID))

	statuses := historyStatuses(t, env, doc.ID)
	assert.Contains(t, statuses, storage.StatusRecreated)
	assert.Equal(t, storage.StatusSent, statuses[len(statuses)-1])

	// the rebuilt archive takes the next delivery number of the day
	require.Len(t, env.uploader.uploads, 2)
	assert.Equal(t, "SIC-EACT--123456789--20260901-2.tar.gz", env.uploader.uploads[1].filename)
}

func TestBlockedFlux(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	sent := acteDocument()
	require.NoError(t, env.engine.CreateDocument(ctx, sent))

	settled := acteDocument()
	require.NoError(t, env.engine.CreateDocument(ctx, settled))
	require.NoError(t, env.engine.RecordAck(ctx, settled.ID, true, ""))

	blocked, err := env.engine.BlockedFlux(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{sent.ID}, blocked)
}

func TestNomenclatureAsk(t *testing.T) {
	env := newTestEnv(t, Config{})

	attachment, err := env.engine.NomenclatureAsk(context.Background(), "auth-1")
	require.NoError(t, err)

	assert.Equal(t, "SIC-EACT--123456789--20260901-1.tar.gz", attachment.Filename)
	assert.NotEmpty(t, attachment.Content)
	assert.Equal(t, int64(len(attachment.Content)), attachment.Size)
}

func TestNotSentOnUploadFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.uploader.fail = true
	doc := acteDocument()

	require.NoError(t, env.engine.CreateDocument(context.Background(), doc))

	statuses := historyStatuses(t, env, doc.ID)
	assert.Equal(t, storage.StatusNotSent, statuses[len(statuses)-1])
	assert.Empty(t, env.store.Exports())
}
