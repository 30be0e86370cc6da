// Package storage provides data storage interfaces and implementations
// for the document transmission engine.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [DocumentStore]: acte/PES documents and their cached last status
//   - [HistoryStore]: the append-only per-document status log
//   - [CounterStore]: the per-day delivery number counter
//   - [AuthorityStore]: local authority records and circuit credentials
//   - [ExportStore]: delivery audit records
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Implementations
//
// The mongodb sub-package provides a production-ready MongoDB implementation;
// binary payloads (attachments, generated archives) are stored in GridFS.
// The memory sub-package provides an in-process implementation used by tests.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines. AppendHistory provides read-after-write consistency for the
// same document: a subsequent LatestEntry call observes the appended entry.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a document, history entry, authority or payload
// lookup missed.
var ErrNotFound = errors.New("not found")

// Store is the main storage interface combining all sub-stores
type Store interface {
	DocumentStore
	HistoryStore
	CounterStore
	AuthorityStore
	ExportStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// DocumentStore manages document data
type DocumentStore interface {
	// CreateDocument stores a new document
	CreateDocument(ctx context.Context, doc *Document) error

	// GetDocument retrieves a document by ID
	GetDocument(ctx context.Context, id string) (*Document, error)

	// GetDocumentByFileName retrieves a PES document by its declared file name
	GetDocumentByFileName(ctx context.Context, fileName string) (*Document, error)

	// UpdateDocument updates a document
	UpdateDocument(ctx context.Context, doc *Document) error

	// ListDocuments returns documents with filtering
	ListDocuments(ctx context.Context, filter *DocumentFilter) ([]*Document, error)

	// ListPendingSignature returns documents waiting on the signing circuit:
	// not plain attachments, not yet signed, with a circuit classeur assigned
	ListPendingSignature(ctx context.Context) ([]*Document, error)

	// ListBlockedFlux returns IDs of documents that have a SENT, RESENT or
	// MANUAL_RESENT entry but never reached ACK_RECEIVED, NACK_RECEIVED or
	// MAX_RETRY_REACH
	ListBlockedFlux(ctx context.Context) ([]string, error)
}

// HistoryStore manages the append-only status log.
//
// AppendHistory also refreshes the owning document's cached LastStatus and
// LastStatusAt fields, except for StatusNotificationSent entries, which are
// informational fan-out and must not disturb the operational view.
type HistoryStore interface {
	// AppendHistory appends an entry to a document's history
	AppendHistory(ctx context.Context, entry *HistoryEntry) error

	// History returns all entries for a document ordered by date,
	// insertion order breaking ties
	History(ctx context.Context, documentID string) ([]*HistoryEntry, error)

	// LatestEntry returns the most recent history entry for a document,
	// or ErrNotFound when the history is empty
	LatestEntry(ctx context.Context, documentID string) (*HistoryEntry, error)

	// HistoryByStatus returns a document's entries matching any of the
	// given statuses, most recent first
	HistoryByStatus(ctx context.Context, documentID string, statuses []Status) ([]*HistoryEntry, error)

	// GetHistoryEntry retrieves a single entry by ID, loading its payload
	GetHistoryEntry(ctx context.Context, id string) (*HistoryEntry, error)
}

// CounterStore manages the per-day delivery number counter
type CounterStore interface {
	// IncrementCounter atomically increments and returns the counter for
	// the given day (formatted yyyymmdd), creating it at 1 on first use
	IncrementCounter(ctx context.Context, day string) (int, error)
}

// AuthorityStore manages local authority records
type AuthorityStore interface {
	// GetAuthority retrieves a local authority by ID
	GetAuthority(ctx context.Context, id string) (*LocalAuthority, error)

	// SaveAuthority creates or replaces a local authority
	SaveAuthority(ctx context.Context, authority *LocalAuthority) error
}

// ExportStore persists delivery audit records
type ExportStore interface {
	// SaveExport stores a delivery audit record
	SaveExport(ctx context.Context, export *DeliveryExport) error
}

// Domain models

// DocumentKind distinguishes the two document flavours sharing one pipeline
type DocumentKind string

const (
	KindActe DocumentKind = "acte" // administrative act
	KindPes  DocumentKind = "pes"  // treasury payment flux
)

// Document is an acte or PES flux moving through the transmission pipeline
type Document struct {
	ID       string       `bson:"_id" json:"id"`
	Kind     DocumentKind `bson:"kind" json:"kind"`
	Number   string       `bson:"number" json:"number"`
	Objet    string       `bson:"objet" json:"objet"`
	Comment  string       `bson:"comment,omitempty" json:"comment,omitempty"`
	Creation time.Time    `bson:"creation" json:"creation"`
	Decision time.Time    `bson:"decision,omitempty" json:"decision,omitempty"`

	// Classification: hyphen-delimited matière codes (e.g. "1-2-0-0-0"),
	// nature code and the abbreviation used in archive names
	Code         string `bson:"code,omitempty" json:"code,omitempty"`
	NatureCode   string `bson:"nature_code,omitempty" json:"natureCode,omitempty"`
	NatureAbbrev string `bson:"nature_abbrev,omitempty" json:"natureAbbrev,omitempty"`
	Public       bool   `bson:"public" json:"public"`

	AuthorityID string `bson:"authority_id" json:"authorityId"`
	ProfileID   string `bson:"profile_id,omitempty" json:"profileId,omitempty"`

	Attachment *Attachment   `bson:"attachment" json:"attachment"`
	Annexes    []*Attachment `bson:"annexes,omitempty" json:"annexes,omitempty"`

	// PES envelope metadata extracted from the uploaded file
	FileType string `bson:"file_type,omitempty" json:"fileType,omitempty"`
	FileName string `bson:"file_name,omitempty" json:"fileName,omitempty"`
	ColCode  string `bson:"col_code,omitempty" json:"colCode,omitempty"`
	PostID   string `bson:"post_id,omitempty" json:"postId,omitempty"`
	BudCode  string `bson:"bud_code,omitempty" json:"budCode,omitempty"`

	// Signing circuit state
	PJ               bool       `bson:"pj" json:"pj"` // plain attachment, never routed to signature
	Signed           bool       `bson:"signed" json:"signed"`
	ClasseurID       int        `bson:"classeur_id,omitempty" json:"classeurId,omitempty"`
	CircuitDocID     int        `bson:"circuit_doc_id,omitempty" json:"circuitDocId,omitempty"`
	ValidationLimit  *time.Time `bson:"validation_limit,omitempty" json:"validationLimit,omitempty"`
	ServiceOrgNumber int        `bson:"service_org_number,omitempty" json:"serviceOrgNumber,omitempty"`

	// Cached view of the latest history entry, refreshed on every append.
	// Never settable independently of the history log.
	LastStatus   Status    `bson:"last_status" json:"lastStatus"`
	LastStatusAt time.Time `bson:"last_status_at" json:"lastStatusAt"`
}

// DocumentFilter narrows ListDocuments results
type DocumentFilter struct {
	Kind        DocumentKind
	AuthorityID string
	LastStatus  Status
	Since       *time.Time
	Limit       int
	Offset      int
}

// Attachment is a binary payload: the primary file, an annex, or a
// generated archive carried by a history entry
type Attachment struct {
	ID       string    `bson:"id" json:"id"`
	Filename string    `bson:"filename" json:"filename"`
	Size     int64     `bson:"size" json:"size"`
	TypeCode string    `bson:"type_code,omitempty" json:"typeCode,omitempty"`
	Creation time.Time `bson:"creation" json:"creation"`

	// Content holds the bytes in memory; the MongoDB store spills it to
	// GridFS and records the file ID here instead
	Content  []byte `bson:"-" json:"-"`
	GridFSID string `bson:"gridfs_id,omitempty" json:"-"`
}

// HistoryEntry records one pipeline stage outcome. Entries are only ever
// appended; cancellations, resends and error states are new entries, never
// edits of old ones.
type HistoryEntry struct {
	ID         string    `bson:"_id" json:"id"`
	DocumentID string    `bson:"document_id" json:"documentId"`
	Status     Status    `bson:"status" json:"status"`
	Date       time.Time `bson:"date" json:"date"`
	Message    string    `bson:"message,omitempty" json:"message,omitempty"`

	// Optional payload, e.g. the generated archive or a rejection report
	File     []byte `bson:"-" json:"-"`
	FileName string `bson:"file_name,omitempty" json:"fileName,omitempty"`
	GridFSID string `bson:"gridfs_id,omitempty" json:"-"`

	// Seq orders entries carrying identical dates by insertion
	Seq int64 `bson:"seq" json:"-"`
}

// LocalAuthority owns documents, carries the identifiers embedded in
// archive names and the signing circuit credentials
type LocalAuthority struct {
	ID               string    `bson:"_id" json:"id"`
	Name             string    `bson:"name" json:"name"`
	Siren            string    `bson:"siren" json:"siren"`
	Department       string    `bson:"department" json:"department"`
	District         string    `bson:"district" json:"district"`
	Nature           string    `bson:"nature" json:"nature"`
	NomenclatureDate time.Time `bson:"nomenclature_date,omitempty" json:"nomenclatureDate,omitempty"`

	// Return addresses carried in the envelope descriptor
	MainEmail        string   `bson:"main_email" json:"mainEmail"`
	AdditionalEmails []string `bson:"additional_emails,omitempty" json:"additionalEmails,omitempty"`

	// Signing circuit subscription
	CircuitSubscribed bool   `bson:"circuit_subscribed" json:"circuitSubscribed"`
	CircuitNewVersion bool   `bson:"circuit_new_version" json:"circuitNewVersion"`
	CircuitToken      string `bson:"circuit_token,omitempty" json:"-"`
	CircuitSecret     string `bson:"circuit_secret,omitempty" json:"-"`
	GenericProfileID  string `bson:"generic_profile_id,omitempty" json:"genericProfileId,omitempty"`
}

// DeliveryExport is the audit record written when a flux leaves the platform
type DeliveryExport struct {
	ID             string    `bson:"_id" json:"id"`
	DocumentID     string    `bson:"document_id" json:"documentId"`
	ExportedAt     time.Time `bson:"exported_at" json:"exportedAt"`
	FileName       string    `bson:"file_name" json:"fileName"`
	FileSize       int64     `bson:"file_size" json:"fileSize"`
	FileSHA1       string    `bson:"file_sha1" json:"fileSha1"`
	Siren          string    `bson:"siren" json:"siren"`
	AgentFirstName string    `bson:"agent_first_name,omitempty" json:"agentFirstName,omitempty"`
	AgentName      string    `bson:"agent_name,omitempty" json:"agentName,omitempty"`
	AgentEmail     string    `bson:"agent_email,omitempty" json:"agentEmail,omitempty"`
}
