package signature

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"
)

// Accepted canonicalization algorithms. Anything else works cryptographically
// but breaches the platform recommendation.
var acceptedC14N = map[string]bool{
	"http://www.w3.org/2001/10/xml-exc-c14n#":                      true,
	"http://www.w3.org/2001/10/xml-exc-c14n#WithComments":          true,
	"http://www.w3.org/TR/2001/REC-xml-c14n-20010315":              true,
	"http://www.w3.org/TR/2001/REC-xml-c14n-20010315#WithComments": true,
}

var digestURIs = map[string]func([]byte) []byte{
	"http://www.w3.org/2000/09/xmldsig#sha1": func(b []byte) []byte {
		h := sha1.Sum(b)
		return h[:]
	},
	"http://www.w3.org/2001/04/xmlenc#sha256": func(b []byte) []byte {
		h := sha256.Sum256(b)
		return h[:]
	},
}

// Signing time must be expressed in strict UTC, trailing Z, no offset
var strictUTC = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?Z$`)

// Validator runs the full defect analysis on a signed flux file
type Validator struct {
	certValidator  CertificateValidator
	policyRequired bool
}

// Option configures a Validator
type Option func(*Validator)

// WithPolicyRequired makes the absence of a signature policy block a
// defect rather than an accepted omission
func WithPolicyRequired() Option {
	return func(v *Validator) { v.policyRequired = true }
}

// NewValidator creates a Validator using the given certificate trust policy
func NewValidator(certValidator CertificateValidator, opts ...Option) *Validator {
	v := &Validator{certValidator: certValidator}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate analyses the file and reports every defect found. All checks
// run regardless of earlier failures, with one exception: a file that is
// not well-formed or not a PES flux stops at the schema defect.
func (v *Validator) Validate(content []byte) *Result {
	result := &Result{}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(content); err != nil {
		result.add(ErrInvalidSchema)
		return result
	}
	root := doc.Root()
	if root == nil || root.Tag != "PES_Aller" {
		result.add(ErrInvalidSchema)
		return result
	}

	signatures := findAll(root, "Signature")
	if len(signatures) == 0 {
		return result
	}
	result.Signed = true

	v.checkSignedContent(root, signatures, result)
	v.checkReferences(content, signatures, result)

	for _, sig := range signatures {
		cert, chain := extractCertificates(sig)
		if cert == nil {
			result.add(ErrCertificatRecognitionError)
		} else {
			if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
				result.add(ErrWrongCertificate)
			}
			if err := v.certValidator.ValidateCertificate(cert, chain); err != nil {
				result.add(ErrUntrustedCertificate)
			}
		}

		for _, c14n := range findAll(sig, "CanonicalizationMethod") {
			if alg := c14n.SelectAttrValue("Algorithm", ""); !acceptedC14N[alg] {
				result.add(ErrRecommendationNotRespected)
			}
		}

		v.checkXades(sig, cert, result)
	}

	return result
}

// checkSignedContent verifies every bordereau is covered by a signature:
// either a global signature directly under the root, or one inside the
// bordereau itself.
func (v *Validator) checkSignedContent(root *etree.Element, signatures []*etree.Element, result *Result) {
	globalPresent := false
	for _, sig := range signatures {
		if sig.Parent() == root {
			globalPresent = true
		}
	}
	if globalPresent {
		return
	}

	for _, bordereau := range findAll(root, "Bordereau") {
		if len(findAll(bordereau, "Signature")) == 0 {
			result.add(ErrNotSignedContent)
			return
		}
	}
}

// checkReferences runs the XMLDSig digest and signature-value verification
func (v *Validator) checkReferences(content []byte, signatures []*etree.Element, result *Result) {
	validator, err := signedxml.NewValidator(string(content))
	if err != nil {
		result.add(ErrUnverifiableSignature)
		return
	}

	for _, sig := range signatures {
		if cert, _ := extractCertificates(sig); cert != nil {
			validator.Certificates = append(validator.Certificates, *cert)
		}
	}

	if _, err := validator.ValidateReferences(); err != nil {
		result.add(ErrSignatureControlErrors)
	}
}

// checkXades inspects the qualifying properties of one signature
func (v *Validator) checkXades(sig *etree.Element, cert *x509.Certificate, result *Result) {
	qualifying := first(sig, "QualifyingProperties")
	signedProps := first(sig, "SignedProperties")
	if qualifying == nil || signedProps == nil {
		result.add(ErrXadesUnsigned)
		return
	}

	// The signed properties must be covered by a reference of the signature
	propsID := signedProps.SelectAttrValue("Id", "")
	covered := false
	for _, ref := range findAll(sig, "Reference") {
		uri := ref.SelectAttrValue("URI", "")
		refType := ref.SelectAttrValue("Type", "")
		if (propsID != "" && uri == "#"+propsID) || strings.Contains(refType, "SignedProperties") {
			covered = true
		}
	}
	if !covered {
		result.add(ErrXadesUnsigned)
	}

	// Signing time
	if st := first(signedProps, "SigningTime"); st == nil || strings.TrimSpace(st.Text()) == "" {
		result.add(ErrDateBlank)
	} else if !strictUTC.MatchString(strings.TrimSpace(st.Text())) {
		result.add(ErrDateFormatError)
	}

	// Claimed role
	if role := first(signedProps, "ClaimedRole"); role == nil || strings.TrimSpace(role.Text()) == "" {
		result.add(ErrRoleBlank)
	}

	// Declared signing certificate vs the actual one
	if signingCert := first(signedProps, "SigningCertificate"); signingCert != nil && cert != nil {
		if !declaredCertMatches(signingCert, cert) {
			result.add(ErrXadesError)
		}
	}

	// Signature policy completeness
	policy := first(signedProps, "SignaturePolicyIdentifier")
	if policy == nil {
		if v.policyRequired {
			result.add(ErrPolicyIDMissing)
			result.add(ErrNoPolicy)
			result.add(ErrPolicyQualifierMissing)
		}
		return
	}
	if id := first(policy, "Identifier"); id == nil || strings.TrimSpace(id.Text()) == "" {
		result.add(ErrPolicyIDMissing)
	}
	if hash := first(policy, "SigPolicyHash"); hash == nil || first(hash, "DigestValue") == nil {
		result.add(ErrNoPolicy)
	}
	if first(policy, "SigPolicyQualifiers") == nil {
		result.add(ErrPolicyQualifierMissing)
	}
}

// declaredCertMatches compares the XAdES declared digest, serial number
// and issuer against the certificate found in KeyInfo
func declaredCertMatches(signingCert *etree.Element, cert *x509.Certificate) bool {
	if digest := first(signingCert, "CertDigest"); digest != nil {
		method := first(digest, "DigestMethod")
		value := first(digest, "DigestValue")
		if method != nil && value != nil {
			hash, ok := digestURIs[method.SelectAttrValue("Algorithm", "")]
			if !ok {
				return false
			}
			expected := strings.TrimSpace(value.Text())
			actual := base64.StdEncoding.EncodeToString(hash(cert.Raw))
			if expected != actual {
				return false
			}
		}
	}

	if serial := first(signingCert, "X509SerialNumber"); serial != nil {
		if strings.TrimSpace(serial.Text()) != cert.SerialNumber.String() {
			return false
		}
	}

	if issuer := first(signingCert, "X509IssuerName"); issuer != nil {
		declared := strings.ReplaceAll(strings.TrimSpace(issuer.Text()), " ", "")
		actual := strings.ReplaceAll(cert.Issuer.String(), " ", "")
		if !strings.EqualFold(declared, actual) {
			return false
		}
	}

	return true
}

// extractCertificates reads the KeyInfo certificates of a signature.
// The first is the signing certificate, the rest are chain material.
func extractCertificates(sig *etree.Element) (*x509.Certificate, []*x509.Certificate) {
	var certs []*x509.Certificate
	for _, el := range findAll(sig, "X509Certificate") {
		raw := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\n', '\r', '\t':
				return -1
			}
			return r
		}, el.Text())
		der, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, nil
	}
	return certs[0], certs[1:]
}

// findAll collects descendants by local name, any namespace prefix
func findAll(el *etree.Element, tag string) []*etree.Element {
	var found []*etree.Element
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			found = append(found, child)
		}
		found = append(found, findAll(child, tag)...)
	}
	return found
}

func first(el *etree.Element, tag string) *etree.Element {
	if all := findAll(el, tag); len(all) > 0 {
		return all[0]
	}
	return nil
}
