package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/sophyphreak/stela/internal/storage"
	"github.com/sophyphreak/stela/pkg/sesile"
)

// fluxMetadata is what the engine reads out of an uploaded flux envelope
type fluxMetadata struct {
	FileType string
	FileName string
	ColCode  string
	PostID   string
	BudCode  string
}

// extractFluxMetadata parses the flux envelope headers. The declared file
// name is mandatory; the accounting codes are carried through when present.
func extractFluxMetadata(content []byte) (*fluxMetadata, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(content); err != nil {
		return nil, fmt.Errorf("parsing flux: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "PES_Aller" {
		return nil, errors.New("not a PES_Aller flux")
	}

	meta := &fluxMetadata{FileType: "PES_ALLER"}
	if el := root.FindElement("./Enveloppe/Parametres/NomFic"); el != nil {
		meta.FileName = el.SelectAttrValue("V", "")
	}
	if meta.FileName == "" {
		return nil, errors.New("flux envelope declares no file name")
	}

	if el := root.FindElement("./EnTetePES/CodCol"); el != nil {
		meta.ColCode = el.SelectAttrValue("V", "")
	}
	if el := root.FindElement("./EnTetePES/CodBud"); el != nil {
		meta.BudCode = el.SelectAttrValue("V", "")
	}
	if el := root.FindElement("./EnTetePES/IdPost"); el != nil {
		meta.PostID = el.SelectAttrValue("V", "")
	}
	return meta, nil
}

// fluxFilename is the name a flux travels under
func fluxFilename(doc *storage.Document) string {
	if doc.FileName != "" {
		return doc.FileName
	}
	return doc.Attachment.Filename
}

// routeSignature decides what happens to a clean flux: straight to
// delivery, through the signature analysis, or into a signing circuit.
func (e *Engine) routeSignature(ctx context.Context, doc *storage.Document) {
	// plain attachments skip signing entirely
	if doc.PJ {
		e.appendAndReact(ctx, doc.ID, storage.StatusPendingSend, "")
		return
	}

	authority, err := e.store.GetAuthority(ctx, doc.AuthorityID)
	if err != nil {
		e.appendAndReact(ctx, doc.ID, storage.StatusFileError, fmt.Sprintf("loading authority: %v", err))
		return
	}

	if !authority.CircuitSubscribed || doc.Signed {
		e.analyseSignature(ctx, doc)
		return
	}

	e.submitToSignature(ctx, doc, authority)
}

// analyseSignature runs the defect analysis and settles the flux on its
// verdict
func (e *Engine) analyseSignature(ctx context.Context, doc *storage.Document) {
	result := e.validator.Validate(doc.Attachment.Content)

	switch {
	case len(result.Errors) > 0:
		e.appendAndReact(ctx, doc.ID, storage.StatusSignatureInvalid,
			strings.Join(result.Messages(), "; "))
	case !result.Signed:
		e.appendSignatureMissing(ctx, doc.ID)
	default:
		e.appendAndReact(ctx, doc.ID, storage.StatusPendingSend, "")
	}
}

// appendSignatureMissing records the missing signature unless it is
// already the document's latest status. Sweeps revisit unsigned flux and
// must not pile up identical entries. Unless configured to block, the
// flux is annotated and still cleared for delivery.
func (e *Engine) appendSignatureMissing(ctx context.Context, documentID string) {
	latest, err := e.store.LatestEntry(ctx, documentID)
	if err == nil && latest.Status == storage.StatusSignatureMissing {
		return
	}
	e.appendAndReact(ctx, documentID, storage.StatusSignatureMissing, "")

	if !e.cfg.BlockOnSignatureMissing {
		e.appendAndReact(ctx, documentID, storage.StatusPendingSend, "unsigned")
	}
}

// submitToSignature deposits the flux in a signing circuit classeur
func (e *Engine) submitToSignature(ctx context.Context, doc *storage.Document, authority *storage.LocalAuthority) {
	account := circuitAccount(authority)

	daysToValidated := e.cfg.DaysToValidated
	serviceOrg := doc.ServiceOrgNumber
	email := ""
	if doc.ProfileID != "" {
		if agent, err := e.profiles.GetProfile(ctx, doc.ProfileID); err == nil {
			if agent.DaysToValidated > 0 {
				daysToValidated = agent.DaysToValidated
			}
			email = agent.Email
			if serviceOrg == 0 {
				serviceOrg = agent.ServiceOrganisationNumber
			}
		} else {
			e.logger.Warn("profile lookup failed, submitting with defaults",
				"document", doc.ID, "profile", doc.ProfileID, "error", err)
		}
	}

	classeur, err := e.circuit.CreateClasseur(ctx, account, sesile.ClasseurRequest{
		Name:       doc.Objet,
		Desc:       doc.Comment,
		Validation: e.circuit.ValidationDeadline(doc.ValidationLimit, daysToValidated),
		Type:       e.cfg.ClasseurType,
		Groupe:     serviceOrg,
		Visibilite: e.cfg.ClasseurVisibility,
		Email:      email,
	})
	if err != nil {
		e.appendAndReact(ctx, doc.ID, storage.StatusSignatureSendingError, err.Error())
		return
	}

	circuitDoc, err := e.circuit.AddFile(ctx, account, classeur.ID, fluxFilename(doc), doc.Attachment.Content)
	if err != nil {
		e.appendAndReact(ctx, doc.ID, storage.StatusSignatureSendingError, err.Error())
		return
	}

	doc.ClasseurID = classeur.ID
	doc.CircuitDocID = circuitDoc.ID
	if err := e.store.UpdateDocument(ctx, doc); err != nil {
		e.logger.Error("recording circuit ids failed", "document", doc.ID, "error", err)
	}

	e.appendAndReact(ctx, doc.ID, storage.StatusPendingSignature,
		fmt.Sprintf("classeur %d", classeur.ID))
}

func circuitAccount(authority *storage.LocalAuthority) sesile.Account {
	return sesile.Account{
		Token:      authority.CircuitToken,
		Secret:     authority.CircuitSecret,
		Siren:      authority.Siren,
		NewVersion: authority.CircuitNewVersion,
	}
}
