package archive

import (
	"fmt"
	"time"
)

// Archive is a fully assembled tar.gz ready for persistence and delivery
type Archive struct {
	Name    string
	Data    []byte
	Entries []string // entry names in tar order
}

// Builder assembles transmission archives. The zero value is not usable;
// create one with NewBuilder.
type Builder struct {
	trigraph string
	referent Referent
	now      func() time.Time
}

// Option configures a Builder
type Option func(*Builder)

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a Builder. The trigraph is the operator identifier
// prefixed to archive names; the referent is the declared contact.
func NewBuilder(trigraph string, referent Referent, opts ...Option) *Builder {
	b := &Builder{
		trigraph: trigraph,
		referent: referent,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildTransmission assembles the nominal transmission archive: envelope,
// message descriptor, primary document, then annexes. All descriptors are
// rendered before any packing starts, so a malformed input yields an error
// and no partial archive.
func (b *Builder) BuildTransmission(authority *Authority, document *Document, deliveryNumber int) (*Archive, error) {
	today := b.now()
	base := BaseFilename(authority.Department, authority.Siren, today,
		document.Number, document.NatureAbbrev, FluxTransmission)

	docFilename := FileFilename(document.File.TypeCode, base, 1, document.File.Name)
	annexNames := make([]string, len(document.Annexes))
	for i, annex := range document.Annexes {
		// sequence 1 is taken by the primary document
		annexNames[i] = FileFilename(annex.TypeCode, base, i+2, annex.Name)
	}

	messageFilename := MessageFilename(base)
	messageContent, err := renderMessage(document, authority.NomenclatureDate, docFilename, annexNames)
	if err != nil {
		return nil, fmt.Errorf("rendering message descriptor: %w", err)
	}

	envelopeName := EnvelopeName(authority.Siren, today, deliveryNumber)
	envelopeContent, err := renderEnvelope(authority, &b.referent, messageFilename)
	if err != nil {
		return nil, fmt.Errorf("rendering envelope descriptor: %w", err)
	}

	entries := []Entry{
		{Name: envelopeName, Content: []byte(envelopeContent)},
		{Name: messageFilename, Content: []byte(messageContent)},
		{Name: docFilename, Content: document.File.Content},
	}
	for i, annex := range document.Annexes {
		entries = append(entries, Entry{Name: annexNames[i], Content: annex.Content})
	}

	return b.finish(envelopeName, entries, today)
}

// BuildCancellation assembles the withdrawal archive: envelope plus the
// Annulation descriptor referencing the original document.
func (b *Builder) BuildCancellation(authority *Authority, document *Document, deliveryNumber int) (*Archive, error) {
	today := b.now()
	base := BaseFilename(authority.Department, authority.Siren, today,
		document.Number, document.NatureAbbrev, FluxCancellation)

	messageFilename := MessageFilename(base)
	messageContent, err := renderCancellation(authority, document)
	if err != nil {
		return nil, fmt.Errorf("rendering cancellation descriptor: %w", err)
	}

	envelopeName := EnvelopeName(authority.Siren, today, deliveryNumber)
	envelopeContent, err := renderEnvelope(authority, &b.referent, messageFilename)
	if err != nil {
		return nil, fmt.Errorf("rendering envelope descriptor: %w", err)
	}

	entries := []Entry{
		{Name: envelopeName, Content: []byte(envelopeContent)},
		{Name: messageFilename, Content: []byte(messageContent)},
	}
	return b.finish(envelopeName, entries, today)
}

// BuildClassificationRequest assembles the nomenclature refresh archive
func (b *Builder) BuildClassificationRequest(authority *Authority, deliveryNumber int) (*Archive, error) {
	today := b.now()

	messageFilename := fmt.Sprintf("%s-%s----%d-%d_%d.xml",
		authority.Department, authority.Siren,
		FluxClassificationRequest.Transaction, FluxClassificationRequest.Number,
		deliveryNumber)
	messageContent, err := renderClassificationRequest(authority)
	if err != nil {
		return nil, fmt.Errorf("rendering classification request: %w", err)
	}

	envelopeName := EnvelopeName(authority.Siren, today, deliveryNumber)
	envelopeContent, err := renderEnvelope(authority, &b.referent, messageFilename)
	if err != nil {
		return nil, fmt.Errorf("rendering envelope descriptor: %w", err)
	}

	entries := []Entry{
		{Name: envelopeName, Content: []byte(envelopeContent)},
		{Name: messageFilename, Content: []byte(messageContent)},
	}
	return b.finish(envelopeName, entries, today)
}

func (b *Builder) finish(envelopeName string, entries []Entry, today time.Time) (*Archive, error) {
	data, err := pack(entries, today)
	if err != nil {
		return nil, fmt.Errorf("packing archive: %w", err)
	}

	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name
	}
	return &Archive{
		Name:    ArchiveName(b.trigraph, envelopeName),
		Data:    data,
		Entries: names,
	}, nil
}
