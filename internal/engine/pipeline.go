package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/sophyphreak/stela/internal/events"
	"github.com/sophyphreak/stela/internal/storage"
	"github.com/sophyphreak/stela/pkg/antivirus"
)

// appendAndReact records a payload-less stage outcome and runs the next
// stage.
func (e *Engine) appendAndReact(ctx context.Context, documentID string, status storage.Status, message string) {
	e.appendEntryAndReact(ctx, &storage.HistoryEntry{
		DocumentID: documentID,
		Status:     status,
		Message:    message,
	})
}

func (e *Engine) appendEntryAndReact(ctx context.Context, entry *storage.HistoryEntry) {
	if !e.appendEntry(ctx, entry) {
		return
	}
	e.react(ctx, entry)
}

// appendEntry persists a history entry and publishes the status event.
// A storage failure here is logged and stops the pipeline; the document
// keeps its previous status and a sweep or operator retries later.
func (e *Engine) appendEntry(ctx context.Context, entry *storage.HistoryEntry) bool {
	entry.ID = uuid.NewString()
	entry.Date = e.now()

	if err := e.store.AppendHistory(ctx, entry); err != nil {
		e.logger.Error("appending history entry failed",
			"document", entry.DocumentID, "status", entry.Status, "error", err)
		return false
	}
	e.logger.Info("document status changed",
		"document", entry.DocumentID, "status", entry.Status)

	if err := e.publisher.Publish(ctx, events.StatusEvent{
		DocumentID: entry.DocumentID,
		Status:     string(entry.Status),
		Date:       entry.Date,
		Message:    entry.Message,
	}); err != nil {
		e.logger.Warn("publishing status event failed",
			"document", entry.DocumentID, "status", entry.Status, "error", err)
	}
	return true
}

// react runs the pipeline stage triggered by a freshly appended entry
func (e *Engine) react(ctx context.Context, entry *storage.HistoryEntry) {
	switch entry.Status {
	case storage.StatusCreated, storage.StatusRecreated:
		e.runAntivirus(ctx, entry.DocumentID)

	case storage.StatusAntivirusOK:
		doc, err := e.store.GetDocument(ctx, entry.DocumentID)
		if err != nil {
			e.logger.Error("loading document failed", "document", entry.DocumentID, "error", err)
			return
		}
		if doc.Kind == storage.KindPes {
			e.routeSignature(ctx, doc)
		} else {
			e.buildTransmissionArchive(ctx, doc)
		}

	case storage.StatusCancellationAsked:
		e.buildCancellationArchive(ctx, entry.DocumentID)

	case storage.StatusArchiveCreated, storage.StatusCancellationArchiveCreated:
		e.checkArchiveSize(ctx, entry)

	case storage.StatusArchiveSizeChecked:
		e.send(ctx, entry.DocumentID, entry.FileName, entry.File)

	case storage.StatusPendingSend:
		doc, err := e.store.GetDocument(ctx, entry.DocumentID)
		if err != nil {
			e.logger.Error("loading document failed", "document", entry.DocumentID, "error", err)
			return
		}
		e.send(ctx, doc.ID, fluxFilename(doc), doc.Attachment.Content)
	}
}

// runAntivirus scans the primary file and every annex
func (e *Engine) runAntivirus(ctx context.Context, documentID string) {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		e.logger.Error("loading document failed", "document", documentID, "error", err)
		return
	}

	files := []antivirus.NamedFile{{Name: doc.Attachment.Filename, Content: doc.Attachment.Content}}
	for _, annex := range doc.Annexes {
		files = append(files, antivirus.NamedFile{Name: annex.Filename, Content: annex.Content})
	}

	if err := antivirus.ScanAll(ctx, e.scanner, files); err != nil {
		e.appendAndReact(ctx, documentID, storage.StatusAntivirusKO, err.Error())
		return
	}
	e.appendAndReact(ctx, documentID, storage.StatusAntivirusOK, "")
}

// buildTransmissionArchive assembles the nominal archive under a fresh
// delivery number
func (e *Engine) buildTransmissionArchive(ctx context.Context, doc *storage.Document) {
	authority, err := e.store.GetAuthority(ctx, doc.AuthorityID)
	if err != nil {
		e.appendAndReact(ctx, doc.ID, storage.StatusFileError, fmt.Sprintf("loading authority: %v", err))
		return
	}

	deliveryNumber, err := e.allocator.Next(ctx, e.now())
	if err != nil {
		e.appendAndReact(ctx, doc.ID, storage.StatusFileError, fmt.Sprintf("allocating delivery number: %v", err))
		return
	}

	built, err := e.builder.BuildTransmission(archiveAuthority(authority), archiveDocument(doc), deliveryNumber)
	if err != nil {
		e.appendAndReact(ctx, doc.ID, storage.StatusFileError, err.Error())
		return
	}

	e.appendEntryAndReact(ctx, &storage.HistoryEntry{
		DocumentID: doc.ID,
		Status:     storage.StatusArchiveCreated,
		FileName:   built.Name,
		File:       built.Data,
	})
}

// buildCancellationArchive assembles the withdrawal archive
func (e *Engine) buildCancellationArchive(ctx context.Context, documentID string) {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		e.logger.Error("loading document failed", "document", documentID, "error", err)
		return
	}
	authority, err := e.store.GetAuthority(ctx, doc.AuthorityID)
	if err != nil {
		e.appendAndReact(ctx, documentID, storage.StatusFileError, fmt.Sprintf("loading authority: %v", err))
		return
	}

	deliveryNumber, err := e.allocator.Next(ctx, e.now())
	if err != nil {
		e.appendAndReact(ctx, documentID, storage.StatusFileError, fmt.Sprintf("allocating delivery number: %v", err))
		return
	}

	built, err := e.builder.BuildCancellation(archiveAuthority(authority), archiveDocument(doc), deliveryNumber)
	if err != nil {
		e.appendAndReact(ctx, documentID, storage.StatusFileError, err.Error())
		return
	}

	e.appendEntryAndReact(ctx, &storage.HistoryEntry{
		DocumentID: documentID,
		Status:     storage.StatusCancellationArchiveCreated,
		FileName:   built.Name,
		File:       built.Data,
	})
}

// checkArchiveSize verifies a freshly built archive fits under the
// delivery platform's upload ceiling. The accepted entry carries the
// archive forward so the send stage needs no second lookup.
func (e *Engine) checkArchiveSize(ctx context.Context, entry *storage.HistoryEntry) {
	content := entry.File
	if len(content) == 0 {
		loaded, err := e.store.GetHistoryEntry(ctx, entry.ID)
		if err != nil {
			e.logger.Error("loading archive entry failed", "entry", entry.ID, "error", err)
			return
		}
		content = loaded.File
	}

	size := int64(len(content))
	if e.cfg.MaxArchiveSize > 0 && size > e.cfg.MaxArchiveSize {
		e.appendAndReact(ctx, entry.DocumentID, storage.StatusArchiveTooLarge,
			fmt.Sprintf("%s: %d bytes exceeds the %d byte limit", entry.FileName, size, e.cfg.MaxArchiveSize))
		return
	}

	e.appendEntryAndReact(ctx, &storage.HistoryEntry{
		DocumentID: entry.DocumentID,
		Status:     storage.StatusArchiveSizeChecked,
		FileName:   entry.FileName,
		File:       content,
	})
}

// send delivers a payload and records the outcome. Successful deliveries
// leave an audit record.
func (e *Engine) send(ctx context.Context, documentID, filename string, content []byte) {
	if err := e.uploader.Upload(ctx, filename, content); err != nil {
		e.appendAndReact(ctx, documentID, storage.StatusNotSent, err.Error())
		return
	}

	e.appendAndReact(ctx, documentID, storage.StatusSent, filename)
	e.saveExport(ctx, documentID, filename, content)
}

// saveExport writes the delivery audit record. Audit failures are logged,
// never surfaced; the delivery already happened.
func (e *Engine) saveExport(ctx context.Context, documentID, filename string, content []byte) {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		e.logger.Warn("export audit skipped", "document", documentID, "error", err)
		return
	}

	export := &storage.DeliveryExport{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		ExportedAt: e.now(),
		FileName:   filename,
		FileSize:   int64(len(content)),
		FileSHA1:   sha1Hex(content),
	}

	if authority, err := e.store.GetAuthority(ctx, doc.AuthorityID); err == nil {
		export.Siren = authority.Siren
	}
	if doc.ProfileID != "" {
		if agent, err := e.profiles.GetProfile(ctx, doc.ProfileID); err == nil {
			export.AgentFirstName = agent.FirstName
			export.AgentName = agent.LastName
			export.AgentEmail = agent.Email
		} else {
			e.logger.Warn("export audit missing agent identity",
				"document", documentID, "profile", doc.ProfileID, "error", err)
		}
	}

	if err := e.store.SaveExport(ctx, export); err != nil {
		e.logger.Warn("export audit failed", "document", documentID, "error", err)
	}
}

func sha1Hex(content []byte) string {
	sum := sha1.Sum(content)
	return hex.EncodeToString(sum[:])
}
