package archive

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// actesNamespace is the CLMISILL schema namespace of the ministry platform
const actesNamespace = "http://www.interieur.gouv.fr/ACTES#v1.1-20040216"

// Authority identifies the emitting local authority in descriptors
type Authority struct {
	Department       string
	District         string
	Nature           string
	Siren            string
	NomenclatureDate time.Time
	MainEmail        string
	AdditionalEmails []string
}

// Referent is the human contact declared in the envelope
type Referent struct {
	Name  string
	Email string
	Phone string
}

// File is a binary payload going into an archive
type File struct {
	Name     string
	TypeCode string
	Content  []byte
}

// Document carries the metadata rendered into the message descriptor
type Document struct {
	Number       string
	Objet        string
	Code         string // hyphen-delimited matière codes, e.g. "1-2-0-0-0"
	NatureCode   string
	NatureAbbrev string
	Decision     time.Time
	File         File
	Annexes      []File
}

// matiereCodes parses the hyphen-delimited classification code. Every
// field must be an integer; a malformed code fails the whole build.
func matiereCodes(code string) ([]int, error) {
	parts := strings.Split(code, "-")
	if len(parts) < 2 {
		return nil, fmt.Errorf("classification code %q: expected at least 2 fields", code)
	}
	codes := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("classification code %q: field %d is not an integer", code, i+1)
		}
		codes[i] = n
	}
	return codes, nil
}

// renderMessage renders the DonneesActe message descriptor
func renderMessage(document *Document, nomenclatureDate time.Time, docFilename string, annexNames []string) (string, error) {
	codes, err := matiereCodes(document.Code)
	if err != nil {
		return "", err
	}
	natureCode, err := strconv.Atoi(document.NatureCode)
	if err != nil {
		return "", fmt.Errorf("nature code %q is not an integer", document.NatureCode)
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("actes:DonneesActe")
	root.CreateAttr("xmlns:actes", actesNamespace)

	// Only the first two matière levels are consumed by the platform
	m1 := root.CreateElement("actes:CodeMatiere1")
	m1.CreateElement("actes:CodeMatiere").SetText(strconv.Itoa(codes[0]))
	m2 := root.CreateElement("actes:CodeMatiere2")
	m2.CreateElement("actes:CodeMatiere").SetText(strconv.Itoa(codes[1]))

	root.CreateElement("actes:CodeNatureActe").SetText(strconv.Itoa(natureCode))
	root.CreateElement("actes:Date").SetText(document.Decision.Format("2006-01-02"))
	root.CreateElement("actes:NumeroInterne").SetText(document.Number)
	root.CreateElement("actes:ClassificationDateVersion").SetText(nomenclatureDate.Format("2006-01-02"))
	root.CreateElement("actes:Objet").SetText(document.Objet)

	fs := root.CreateElement("actes:Document")
	fs.CreateElement("actes:NomFichier").SetText(docFilename)

	annexes := root.CreateElement("actes:Annexes")
	annexes.CreateAttr("Nombre", strconv.Itoa(len(annexNames)))
	for _, name := range annexNames {
		annexe := annexes.CreateElement("actes:Annexe")
		annexe.CreateElement("actes:NomFichier").SetText(name)
	}

	doc.Indent(2)
	return doc.WriteToString()
}

// renderEnvelope renders the DonneesEnveloppeCLMISILL envelope descriptor
func renderEnvelope(authority *Authority, referent *Referent, messageFilename string) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("actes:DonneesEnveloppeCLMISILL")
	root.CreateAttr("xmlns:actes", actesNamespace)

	emetteur := root.CreateElement("actes:Emetteur")
	idcl := emetteur.CreateElement("actes:IDCL")
	idcl.CreateElement("actes:Departement").SetText(authority.Department)
	idcl.CreateElement("actes:Arrondissement").SetText(authority.District)
	idcl.CreateElement("actes:Nature").SetText(authority.Nature)
	idcl.CreateElement("actes:SIREN").SetText(authority.Siren)

	ref := emetteur.CreateElement("actes:Referent")
	ref.CreateElement("actes:Email").SetText(referent.Email)
	ref.CreateElement("actes:Nom").SetText(referent.Name)
	ref.CreateElement("actes:Telephone").SetText(referent.Phone)

	retour := root.CreateElement("actes:AdressesRetour")
	retour.CreateElement("actes:Email").SetText(authority.MainEmail)
	for _, email := range authority.AdditionalEmails {
		retour.CreateElement("actes:Email").SetText(email)
	}

	envoyes := root.CreateElement("actes:FormulairesEnvoyes")
	formulaire := envoyes.CreateElement("actes:Formulaire")
	formulaire.CreateElement("actes:NomFichier").SetText(messageFilename)

	doc.Indent(2)
	return doc.WriteToString()
}

// renderCancellation renders the Annulation descriptor. The document
// identifier repeats the base grammar without transaction numbers, dated
// by the original decision.
func renderCancellation(authority *Authority, document *Document) (string, error) {
	idActe := fmt.Sprintf("%s-%s-%s-%s-%s",
		authority.Department, authority.Siren,
		document.Decision.Format("20060102"),
		document.Number, document.NatureAbbrev)

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("actes:Annulation")
	root.CreateAttr("xmlns:actes", actesNamespace)
	root.CreateElement("actes:IDActe").SetText(idActe)

	doc.Indent(2)
	return doc.WriteToString()
}

// renderClassificationRequest renders the DemandeClassification descriptor
func renderClassificationRequest(authority *Authority) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("actes:DemandeClassification")
	root.CreateAttr("xmlns:actes", actesNamespace)
	root.CreateElement("actes:DateClassification").SetText(authority.NomenclatureDate.Format("2006-01-02"))

	doc.Indent(2)
	return doc.WriteToString()
}
