// Package engine drives documents through the transmission pipeline.
//
// Every pipeline stage appends one history entry; the engine reacts to
// each appended entry by running the next stage. Stage failures become
// error entries (ANTIVIRUS_KO, FILE_ERROR, SIGNATURE_SENDING_ERROR,
// NOT_SENT) on the document's history, never errors returned to the
// caller that triggered the pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sophyphreak/stela/internal/events"
	"github.com/sophyphreak/stela/internal/profile"
	"github.com/sophyphreak/stela/internal/storage"
	"github.com/sophyphreak/stela/pkg/antivirus"
	"github.com/sophyphreak/stela/pkg/archive"
	"github.com/sophyphreak/stela/pkg/sequence"
	"github.com/sophyphreak/stela/pkg/sesile"
	"github.com/sophyphreak/stela/pkg/signature"
)

var (
	// ErrCancelForbidden means the document's history does not allow a
	// cancellation right now
	ErrCancelForbidden = errors.New("cancellation forbidden")

	// ErrDuplicateFileName means a flux with the same declared file name
	// was already submitted
	ErrDuplicateFileName = errors.New("duplicate file name")
)

// Circuit is the subset of the signing circuit client the engine uses
type Circuit interface {
	CreateClasseur(ctx context.Context, account sesile.Account, req sesile.ClasseurRequest) (*sesile.Classeur, error)
	AddFile(ctx context.Context, account sesile.Account, classeurID int, filename string, content []byte) (*sesile.Document, error)
	ClasseurWithdrawn(ctx context.Context, account sesile.Account, classeurID int) (bool, error)
	DocumentSigned(ctx context.Context, account sesile.Account, documentID int) (bool, error)
	DocumentContent(ctx context.Context, account sesile.Account, documentID int) ([]byte, error)
	ValidationDeadline(limit *time.Time, daysToValidated int) string
}

// ProfileService resolves agent profiles
type ProfileService interface {
	GetProfile(ctx context.Context, id string) (*profile.Profile, error)
}

// SignatureValidator analyses flux signatures
type SignatureValidator interface {
	Validate(content []byte) *signature.Result
}

// Uploader delivers finished archives
type Uploader interface {
	Upload(ctx context.Context, filename string, content []byte) error
}

// Config carries the engine's operational limits
type Config struct {
	// MaxArchiveSize is the delivery platform's upload ceiling in bytes
	MaxArchiveSize int64

	// MaxRetries bounds automatic resends of undelivered archives
	MaxRetries int

	// ClasseurType is the circuit-side classeur category for flux signing
	ClasseurType int

	// ClasseurVisibility is the circuit-side visibility level new
	// classeurs are created with
	ClasseurVisibility int

	// DaysToValidated is the signing deadline in days used when the
	// submitting agent's profile carries none
	DaysToValidated int

	// BlockOnSignatureMissing stops unsigned flux instead of annotating
	// them and delivering anyway
	BlockOnSignatureMissing bool
}

// Engine wires the pipeline stages together
type Engine struct {
	store     storage.Store
	builder   *archive.Builder
	allocator *sequence.Allocator
	scanner   antivirus.Scanner
	validator SignatureValidator
	circuit   Circuit
	profiles  ProfileService
	uploader  Uploader
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets the status event publisher
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// New creates an Engine
func New(store storage.Store, builder *archive.Builder, scanner antivirus.Scanner,
	validator SignatureValidator, circuit Circuit, profiles ProfileService,
	uploader Uploader, cfg Config, opts ...Option) *Engine {

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	e := &Engine{
		store:     store,
		builder:   builder,
		allocator: sequence.NewAllocator(store),
		scanner:   scanner,
		validator: validator,
		circuit:   circuit,
		profiles:  profiles,
		uploader:  uploader,
		publisher: events.NopPublisher{},
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateDocument registers a new document and starts its pipeline. For
// flux documents the declared file name must be unique platform-wide;
// a resubmission of the same name is rejected before anything is stored.
func (e *Engine) CreateDocument(ctx context.Context, doc *storage.Document) error {
	if doc.AuthorityID == "" {
		return errors.New("document has no authority")
	}
	if doc.Attachment == nil || len(doc.Attachment.Content) == 0 {
		return errors.New("document has no file")
	}

	if doc.Kind == storage.KindPes {
		meta, err := extractFluxMetadata(doc.Attachment.Content)
		if err != nil {
			return fmt.Errorf("reading flux envelope: %w", err)
		}
		doc.FileType = meta.FileType
		doc.FileName = meta.FileName
		doc.ColCode = meta.ColCode
		doc.PostID = meta.PostID
		doc.BudCode = meta.BudCode

		if _, err := e.store.GetDocumentByFileName(ctx, doc.FileName); err == nil {
			return fmt.Errorf("%s: %w", doc.FileName, ErrDuplicateFileName)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.Creation = e.now()
	if err := e.store.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("storing document: %w", err)
	}

	e.appendAndReact(ctx, doc.ID, storage.StatusCreated, "")
	return nil
}

// Cancel asks the prefecture to withdraw a transmitted document. The
// document must have been acknowledged, never cancelled before, and have
// no flux currently in flight.
func (e *Engine) Cancel(ctx context.Context, documentID string) error {
	history, err := e.store.History(ctx, documentID)
	if err != nil {
		return err
	}
	if err := cancellationAllowed(history); err != nil {
		return err
	}

	e.appendAndReact(ctx, documentID, storage.StatusCancellationAsked, "")
	return nil
}

// cancellationAllowed checks the history against the cancellation
// preconditions. A violated precondition leaves the history untouched.
func cancellationAllowed(history []*storage.HistoryEntry) error {
	if len(history) == 0 {
		return fmt.Errorf("%w: no history", ErrCancelForbidden)
	}

	acknowledged := false
	for _, entry := range history {
		switch entry.Status {
		case storage.StatusAckReceived:
			acknowledged = true
		case storage.StatusCancelled:
			return fmt.Errorf("%w: already cancelled", ErrCancelForbidden)
		}
	}
	if !acknowledged {
		return fmt.Errorf("%w: not acknowledged by the prefecture", ErrCancelForbidden)
	}

	switch history[len(history)-1].Status {
	case storage.StatusCancellationAsked,
		storage.StatusCancellationArchiveCreated,
		storage.StatusArchiveSizeChecked:
		return fmt.Errorf("%w: a flux is in flight", ErrCancelForbidden)
	}
	return nil
}

// RecordAck records the prefecture's response to a delivered flux. A
// positive acknowledgement of a pending cancellation settles it as
// CANCELLED.
func (e *Engine) RecordAck(ctx context.Context, documentID string, positive bool, message string) error {
	if !positive {
		e.appendAndReact(ctx, documentID, storage.StatusNackReceived, message)
		return nil
	}

	history, err := e.store.History(ctx, documentID)
	if err != nil {
		return err
	}

	cancellationPending := false
	for _, entry := range history {
		switch entry.Status {
		case storage.StatusCancellationAsked:
			cancellationPending = true
		case storage.StatusCancelled:
			cancellationPending = false
		}
	}

	if cancellationPending {
		e.appendAndReact(ctx, documentID, storage.StatusCancelled, message)
	} else {
		e.appendAndReact(ctx, documentID, storage.StatusAckReceived, message)
	}
	return nil
}

// ManualResend pushes the latest deliverable payload to the platform
// again on an operator's request.
func (e *Engine) ManualResend(ctx context.Context, documentID string) error {
	filename, content, err := e.deliverablePayload(ctx, documentID)
	if err != nil {
		return err
	}

	e.appendAndReact(ctx, documentID, storage.StatusManualResent, filename)
	e.send(ctx, documentID, filename, content)
	return nil
}

// Republish restarts the whole pipeline: rescan, rebuild under a fresh
// delivery number, redeliver.
func (e *Engine) Republish(ctx context.Context, documentID string) error {
	if _, err := e.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	e.appendAndReact(ctx, documentID, storage.StatusRecreated, "")
	return nil
}

// BlockedFlux lists documents sent but never settled by an
// acknowledgement, rejection or retry exhaustion.
func (e *Engine) BlockedFlux(ctx context.Context) ([]string, error) {
	return e.store.ListBlockedFlux(ctx)
}

// NomenclatureAsk builds the archive requesting a classification refresh
// for an authority. The archive is returned for delivery, not recorded
// on any document.
func (e *Engine) NomenclatureAsk(ctx context.Context, authorityID string) (*storage.Attachment, error) {
	authority, err := e.store.GetAuthority(ctx, authorityID)
	if err != nil {
		return nil, err
	}

	deliveryNumber, err := e.allocator.Next(ctx, e.now())
	if err != nil {
		return nil, fmt.Errorf("allocating delivery number: %w", err)
	}

	built, err := e.builder.BuildClassificationRequest(archiveAuthority(authority), deliveryNumber)
	if err != nil {
		return nil, fmt.Errorf("building classification request: %w", err)
	}

	return &storage.Attachment{
		ID:       uuid.NewString(),
		Filename: built.Name,
		Size:     int64(len(built.Data)),
		Creation: e.now(),
		Content:  built.Data,
	}, nil
}

// deliverablePayload finds the most recent thing the document can be
// delivered as: a size-checked archive, or for flux cleared to send, the
// flux file itself.
func (e *Engine) deliverablePayload(ctx context.Context, documentID string) (string, []byte, error) {
	entries, err := e.store.HistoryByStatus(ctx, documentID, []storage.Status{
		storage.StatusArchiveSizeChecked,
		storage.StatusPendingSend,
	})
	if err != nil {
		return "", nil, err
	}
	if len(entries) == 0 {
		return "", nil, fmt.Errorf("document %s has no deliverable payload: %w", documentID, storage.ErrNotFound)
	}

	if entries[0].Status == storage.StatusPendingSend {
		doc, err := e.store.GetDocument(ctx, documentID)
		if err != nil {
			return "", nil, err
		}
		return fluxFilename(doc), doc.Attachment.Content, nil
	}

	// reload to hydrate the archive payload
	entry, err := e.store.GetHistoryEntry(ctx, entries[0].ID)
	if err != nil {
		return "", nil, err
	}
	return entry.FileName, entry.File, nil
}

// archiveAuthority maps a stored authority onto the archive descriptor
// input.
func archiveAuthority(authority *storage.LocalAuthority) *archive.Authority {
	return &archive.Authority{
		Department:       authority.Department,
		District:         authority.District,
		Nature:           authority.Nature,
		Siren:            authority.Siren,
		NomenclatureDate: authority.NomenclatureDate,
		MainEmail:        authority.MainEmail,
		AdditionalEmails: authority.AdditionalEmails,
	}
}

// archiveDocument maps a stored document onto the archive descriptor
// input.
func archiveDocument(doc *storage.Document) *archive.Document {
	out := &archive.Document{
		Number:       doc.Number,
		Objet:        doc.Objet,
		Code:         doc.Code,
		NatureCode:   doc.NatureCode,
		NatureAbbrev: doc.NatureAbbrev,
		Decision:     doc.Decision,
		File: archive.File{
			Name:     doc.Attachment.Filename,
			TypeCode: doc.Attachment.TypeCode,
			Content:  doc.Attachment.Content,
		},
	}
	for _, annex := range doc.Annexes {
		out.Annexes = append(out.Annexes, archive.File{
			Name:     annex.Filename,
			TypeCode: annex.TypeCode,
			Content:  annex.Content,
		})
	}
	return out
}
