package signature

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sirosfoundation/go-trust/pkg/authzen"
	"github.com/sirosfoundation/go-trust/pkg/authzenclient"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate is not trusted
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
	// ErrInvalidCertificate is returned for other certificate validation failures
	ErrInvalidCertificate = errors.New("certificate validation failed")
)

// CertificateValidator decides whether a signing certificate is trusted.
// The chain parameter carries any intermediate certificates found next to
// the signing certificate in the signature's KeyInfo.
type CertificateValidator interface {
	ValidateCertificate(cert *x509.Certificate, chain []*x509.Certificate) error
}

// PKIValidator implements traditional chain validation against a root pool
type PKIValidator struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewPKIValidator creates a validator trusting the given roots
func NewPKIValidator(roots *x509.CertPool) *PKIValidator {
	return &PKIValidator{roots: roots, now: time.Now}
}

// ValidateCertificate validates the signing certificate against the root pool
func (v *PKIValidator) ValidateCertificate(cert *x509.Certificate, chain []*x509.Certificate) error {
	now := v.now()
	if now.Before(cert.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertificateExpired
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		CurrentTime:   now,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, intermediate := range chain {
		opts.Intermediates.AddCert(intermediate)
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return nil
}

// AuthZENTrustValidator delegates the trust decision to an AuthZEN Policy
// Decision Point instead of a local root pool. The PDP abstracts over the
// trust registries the platform accepts (RGS trust lists and similar), so
// certificate policy changes need no redeploy.
type AuthZENTrustValidator struct {
	client *authzenclient.Client
	action string
}

// NewAuthZENTrustValidator creates a validator querying the given PDP.
// pdpEndpoint is the base URL or the full /evaluation URL.
func NewAuthZENTrustValidator(pdpEndpoint string) *AuthZENTrustValidator {
	return &AuthZENTrustValidator{
		client: authzenclient.New(pdpEndpoint),
		action: "signing",
	}
}

// NewAuthZENTrustValidatorWithClient creates a validator from a
// pre-configured client, mainly for tests
func NewAuthZENTrustValidatorWithClient(client *authzenclient.Client) *AuthZENTrustValidator {
	return &AuthZENTrustValidator{client: client, action: "signing"}
}

// ValidateCertificate asks the PDP whether the certificate's subject is
// bound to this key and authorized for signing
func (v *AuthZENTrustValidator) ValidateCertificate(cert *x509.Certificate, chain []*x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("%w: nil certificate", ErrInvalidCertificate)
	}

	// x5c per RFC 7517 section 4.7: standard base64, not base64url
	x5c := make([]interface{}, 0, 1+len(chain))
	x5c = append(x5c, base64.StdEncoding.EncodeToString(cert.Raw))
	for _, intermediate := range chain {
		x5c = append(x5c, base64.StdEncoding.EncodeToString(intermediate.Raw))
	}

	subjectName := cert.Subject.CommonName
	if subjectName == "" && len(cert.EmailAddresses) > 0 {
		subjectName = cert.EmailAddresses[0]
	}
	if subjectName == "" {
		return fmt.Errorf("%w: certificate has no identifiable subject name", ErrInvalidCertificate)
	}

	request := &authzen.EvaluationRequest{
		Subject: authzen.Subject{
			Type: "key",
			ID:   subjectName,
		},
		Resource: authzen.Resource{
			Type: "x5c",
			ID:   subjectName,
			Key:  x5c,
		},
		Action: &authzen.Action{
			Name: v.action,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	response, err := v.client.Evaluate(ctx, request)
	if err != nil {
		return fmt.Errorf("AuthZEN evaluation failed: %w", err)
	}

	if !response.Decision {
		if response.Context != nil && response.Context.Reason != nil {
			return fmt.Errorf("%w: %v", ErrCertificateUntrusted, response.Context.Reason)
		}
		return ErrCertificateUntrusted
	}
	return nil
}
