package engine

import (
	"context"

	"github.com/sophyphreak/stela/internal/storage"
)

// CheckWithdrawn polls the signing circuit for classeurs pulled out of
// their validation circuit. A withdrawal is recorded once; documents
// already marked withdrawn are skipped on later sweeps.
func (e *Engine) CheckWithdrawn(ctx context.Context) error {
	docs, err := e.store.ListPendingSignature(ctx)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		withdrawn, err := e.hasStatus(ctx, doc.ID, storage.StatusClasseurWithdrawn)
		if err != nil || withdrawn {
			continue
		}

		authority, err := e.store.GetAuthority(ctx, doc.AuthorityID)
		if err != nil {
			e.logger.Warn("withdrawal sweep skipping document",
				"document", doc.ID, "error", err)
			continue
		}

		pulled, err := e.circuit.ClasseurWithdrawn(ctx, circuitAccount(authority), doc.ClasseurID)
		if err != nil {
			e.logger.Warn("withdrawal check failed",
				"document", doc.ID, "classeur", doc.ClasseurID, "error", err)
			continue
		}
		if pulled {
			e.appendAndReact(ctx, doc.ID, storage.StatusClasseurWithdrawn, "")
		}
	}
	return nil
}

// CheckSigned polls the signing circuit for finished signatures. A signed
// flux replaces the stored file with the signed bytes, then goes through
// the same defect analysis as a pre-signed upload before moving on to
// delivery.
func (e *Engine) CheckSigned(ctx context.Context) error {
	docs, err := e.store.ListPendingSignature(ctx)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		withdrawn, err := e.hasStatus(ctx, doc.ID, storage.StatusClasseurWithdrawn)
		if err != nil || withdrawn {
			continue
		}

		authority, err := e.store.GetAuthority(ctx, doc.AuthorityID)
		if err != nil {
			e.logger.Warn("signature sweep skipping document",
				"document", doc.ID, "error", err)
			continue
		}
		account := circuitAccount(authority)

		signed, err := e.circuit.DocumentSigned(ctx, account, doc.CircuitDocID)
		if err != nil {
			e.logger.Warn("signature check failed",
				"document", doc.ID, "circuit document", doc.CircuitDocID, "error", err)
			continue
		}
		if !signed {
			continue
		}

		content, err := e.circuit.DocumentContent(ctx, account, doc.CircuitDocID)
		if err != nil {
			e.logger.Warn("downloading signed flux failed",
				"document", doc.ID, "circuit document", doc.CircuitDocID, "error", err)
			continue
		}

		doc.Signed = true
		doc.Attachment.Content = content
		doc.Attachment.Size = int64(len(content))
		if err := e.store.UpdateDocument(ctx, doc); err != nil {
			e.logger.Error("storing signed flux failed", "document", doc.ID, "error", err)
			continue
		}

		e.analyseSignature(ctx, doc)
	}
	return nil
}

// RetryUnsent redelivers archives whose last delivery attempt failed,
// giving up after the configured retry budget.
func (e *Engine) RetryUnsent(ctx context.Context) error {
	docs, err := e.store.ListDocuments(ctx, &storage.DocumentFilter{
		LastStatus: storage.StatusNotSent,
	})
	if err != nil {
		return err
	}

	for _, doc := range docs {
		resent, err := e.store.HistoryByStatus(ctx, doc.ID, []storage.Status{storage.StatusResent})
		if err != nil {
			e.logger.Warn("retry sweep skipping document", "document", doc.ID, "error", err)
			continue
		}
		if len(resent) >= e.cfg.MaxRetries {
			e.appendAndReact(ctx, doc.ID, storage.StatusMaxRetryReach, "")
			continue
		}

		filename, content, err := e.deliverablePayload(ctx, doc.ID)
		if err != nil {
			e.logger.Warn("retry sweep found no deliverable payload",
				"document", doc.ID, "error", err)
			continue
		}

		e.appendAndReact(ctx, doc.ID, storage.StatusResent, filename)
		e.send(ctx, doc.ID, filename, content)
	}
	return nil
}

func (e *Engine) hasStatus(ctx context.Context, documentID string, status storage.Status) (bool, error) {
	entries, err := e.store.HistoryByStatus(ctx, documentID, []storage.Status{status})
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}
