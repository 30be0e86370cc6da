// Package signature validates XAdES-enveloped XMLDSig signatures on
// treasury flux files before transmission.
//
// Validation is cumulative: every applicable check runs and every defect
// found is reported, so one upload round-trip surfaces all problems at
// once. The absence of any signature element is not a defect; it is a
// distinct outcome reported on the Result.
package signature

// ErrorKind identifies one validation defect
type ErrorKind string

const (
	// Schema and signature structure
	ErrInvalidSchema          ErrorKind = "INVALID_SCHEMA"
	ErrNotSignedContent       ErrorKind = "NOT_SIGNED_CONTENT"
	ErrUnverifiableSignature  ErrorKind = "UNVERIFIABLE_SIGNATURE"
	ErrSignatureControlErrors ErrorKind = "SIGNATURE_CONTROL_ERRORS"

	// Certificate
	ErrWrongCertificate           ErrorKind = "WRONG_CERTIFICATE"
	ErrUntrustedCertificate       ErrorKind = "UNTRUSTED_CERTIFICATE"
	ErrCertificatRecognitionError ErrorKind = "CERTIFICAT_RECOGNITION_ERROR"

	// Canonicalization
	ErrRecommendationNotRespected ErrorKind = "RECOMMENDATION_NOT_RESPECTED"

	// XAdES qualifying properties
	ErrXadesUnsigned  ErrorKind = "XADES_UNSIGNED"
	ErrXadesUpdated   ErrorKind = "XADES_UPDATED"
	ErrXadesError     ErrorKind = "XADES_ERROR"
	ErrXadesException ErrorKind = "XADES_EXCEPTION"

	// Signed properties content
	ErrDateFormatError        ErrorKind = "DATE_FORMAT_ERROR"
	ErrDateBlank              ErrorKind = "DATE_BLANK"
	ErrRoleBlank              ErrorKind = "ROLE_BLANK"
	ErrPolicyIDMissing        ErrorKind = "POLICY_ID_MISSING"
	ErrNoPolicy               ErrorKind = "NO_POLICY"
	ErrPolicyQualifierMissing ErrorKind = "POLICY_QUALIFIER_MISSING"
)

var descriptions = map[ErrorKind]string{
	ErrInvalidSchema:              "file does not conform to the expected schema",
	ErrNotSignedContent:           "some bordereaux are not covered by any signature",
	ErrUnverifiableSignature:      "signature could not be processed",
	ErrSignatureControlErrors:     "signature cryptographic controls failed",
	ErrWrongCertificate:           "certificate is not fit for digital signature",
	ErrUntrustedCertificate:       "certificate chain is not trusted",
	ErrCertificatRecognitionError: "certificate could not be read",
	ErrRecommendationNotRespected: "canonicalization algorithm is not among the recommended ones",
	ErrXadesUnsigned:              "XAdES qualifying properties are not covered by the signature",
	ErrXadesUpdated:               "XAdES qualifying properties were modified after signing",
	ErrXadesError:                 "XAdES declared certificate data does not match the signing certificate",
	ErrXadesException:             "XAdES qualifying properties could not be processed",
	ErrDateFormatError:            "signing time is not in strict UTC format",
	ErrDateBlank:                  "signing time is absent",
	ErrRoleBlank:                  "claimed role is absent",
	ErrPolicyIDMissing:            "signature policy identifier is absent",
	ErrNoPolicy:                   "signature policy hash is absent",
	ErrPolicyQualifierMissing:     "signature policy qualifier is absent",
}

// Description returns a human-readable summary of the defect
func (k ErrorKind) Description() string {
	if d, ok := descriptions[k]; ok {
		return d
	}
	return string(k)
}

// Result is the outcome of validating one file
type Result struct {
	// Signed is false when no signature element exists at all
	Signed bool
	// Errors lists every defect found, in check order
	Errors []ErrorKind
}

// Valid reports whether the file carries a signature with no defects
func (r *Result) Valid() bool {
	return r.Signed && len(r.Errors) == 0
}

// Has reports whether a specific defect was found
func (r *Result) Has(kind ErrorKind) bool {
	for _, k := range r.Errors {
		if k == kind {
			return true
		}
	}
	return false
}

func (r *Result) add(kind ErrorKind) {
	if !r.Has(kind) {
		r.Errors = append(r.Errors, kind)
	}
}

// Messages returns the descriptions of all defects, for history entries
func (r *Result) Messages() []string {
	msgs := make([]string, len(r.Errors))
	for i, k := range r.Errors {
		msgs[i] = k.Description()
	}
	return msgs
}
