// Package sesile implements the client for the Sesile signing circuit.
//
// Documents that need a handwritten electronic signature are deposited in
// a "classeur" (binder) that travels a validation circuit. The engine
// polls the circuit until the document comes back signed or the classeur
// is withdrawn.
//
// Two API generations coexist; every account declares which one it lives
// on, and a request rejected with 403 by one generation is retried once
// against the other, because accounts occasionally migrate without notice.
package sesile

// ClasseurStatus is the lifecycle state of a classeur
type ClasseurStatus string

const (
	// StatusWithdrawn means the classeur was pulled out of its circuit
	StatusWithdrawn ClasseurStatus = "WITHDRAWN"
	// StatusFinalized means the circuit completed
	StatusFinalized ClasseurStatus = "FINALIZED"
)

// Classeur is a signing binder
type Classeur struct {
	ID     int            `json:"id"`
	Name   string         `json:"nom"`
	Status ClasseurStatus `json:"status"`
}

// ClasseurRequest creates a classeur. Validation carries the signing
// deadline as dd/MM/yyyy. Siren is only set on the newer API generation.
type ClasseurRequest struct {
	Name       string `json:"name"`
	Desc       string `json:"desc"`
	Validation string `json:"validation"`
	Type       int    `json:"type"`
	Groupe     int    `json:"groupe"`
	Visibilite int    `json:"visibilite"`
	Email      string `json:"email"`
	Siren      string `json:"siren,omitempty"`
}

// Document is a file inside a classeur
type Document struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Signed bool   `json:"signed"`
}

// ClasseurType is a classeur category configured on the circuit side
type ClasseurType struct {
	ID  int    `json:"id"`
	Nom string `json:"nom"`
}

// ServiceOrganisation is a validation circuit available to an agent
type ServiceOrganisation struct {
	ID           int            `json:"id"`
	Nom          string         `json:"nom"`
	TypeClasseur []int          `json:"type_classeur"`
	Types        []ClasseurType `json:"types,omitempty"`
}

// Account carries the per-authority circuit credentials
type Account struct {
	Token      string
	Secret     string
	Siren      string
	NewVersion bool // true when the account lives on the newer API generation
}
