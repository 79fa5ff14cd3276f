package httpclient

import (
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/naviserver/httpengine/internal/config"
	"github.com/naviserver/httpengine/internal/errkind"
	"github.com/naviserver/httpengine/internal/logging"
)

// validation failure labels, matching the accept labels of the
// validationexception config directive.
const (
	labelExpired    = "certificate-expired"
	labelUntrusted  = "certificate-untrusted"
	labelChainLong  = "chain-too-long"
	labelSelfSigned = "self-signed-certificate"
)

// tlsSetup carries the per-server TLS validation policy.
type tlsSetup struct {
	roots      *x509.CertPool
	validate   bool
	depth      int
	exceptions *config.ExceptionSet
	invalidDir string
}

// newTLSSetup resolves the per-server certificate-validation options.
func newTLSSetup(profile *config.ServerProfile) (*tlsSetup, error) {
	s := &tlsSetup{
		validate:   profile.ValidateCertificates,
		depth:      profile.ValidationDepth,
		invalidDir: profile.InvalidCertificates,
	}
	if !s.validate {
		logging.Warn("certificate validation is DISABLED; connections are vulnerable to man-in-the-middle attacks")
	}
	if profile.CAFile != "" || profile.CAPath != "" {
		pool := x509.NewCertPool()
		if profile.CAFile != "" {
			pemData, err := os.ReadFile(profile.CAFile)
			if err != nil {
				return nil, errkind.ConfigError("cannot read cafile", err)
			}
			if !pool.AppendCertsFromPEM(pemData) {
				return nil, errkind.ConfigError(fmt.Sprintf("no certificates in %s", profile.CAFile), nil)
			}
		}
		if profile.CAPath != "" {
			entries, err := os.ReadDir(profile.CAPath)
			if err != nil {
				return nil, errkind.ConfigError("cannot read capath", err)
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				pemData, err := os.ReadFile(filepath.Join(profile.CAPath, entry.Name()))
				if err != nil {
					continue
				}
				pool.AppendCertsFromPEM(pemData)
			}
		}
		s.roots = pool
	}
	if len(profile.ValidationExceptions) > 0 {
		set, err := config.ParseValidationExceptions(profile.ValidationExceptions)
		if err != nil {
			return nil, err
		}
		s.exceptions = set
	}
	return s, nil
}

// clientConfig builds the tls.Config for one connection. Verification
// runs in VerifyPeerCertificate so that validation-exception rules can
// inspect the failure label and the peer address before deciding.
func (s *tlsSetup) clientConfig(serverName string, peerAddr net.IP) *tls.Config {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if !s.validate {
		cfg.InsecureSkipVerify = true
		return cfg
	}
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		return s.verifyChain(rawCerts, serverName, peerAddr)
	}
	return cfg
}

// verifyChain re-runs the standard chain verification and, on failure,
// classifies the error into an accept label and consults the
// exception rules for this peer address.
func (s *tlsSetup) verifyChain(rawCerts [][]byte, serverName string, peerAddr net.IP) error {
	if len(rawCerts) == 0 {
		return errkind.ProtocolError("no peer certificate", nil)
	}
	if s.depth > 0 && len(rawCerts) > s.depth {
		return s.except(labelChainLong, peerAddr, nil,
			fmt.Errorf("chain of %d exceeds validation depth %d", len(rawCerts), s.depth))
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return errkind.ProtocolError("unparsable peer certificate", err)
		}
		certs = append(certs, cert)
	}
	leaf := certs[0]
	opts := x509.VerifyOptions{
		Roots:         s.roots,
		DNSName:       serverName,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(opts); err != nil {
		return s.except(classifyVerifyError(err, certs), peerAddr, leaf, err)
	}
	return nil
}

// classifyVerifyError maps an x509 verification error onto an accept
// label.
func classifyVerifyError(err error, chain []*x509.Certificate) string {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		switch invalid.Reason {
		case x509.Expired:
			return labelExpired
		case x509.TooManyIntermediates:
			return labelChainLong
		}
	}
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		leaf := chain[0]
		if len(chain) == 1 && leaf.Issuer.String() == leaf.Subject.String() {
			return labelSelfSigned
		}
		return labelUntrusted
	}
	return labelUntrusted
}

// except applies the validation-exception rules: an accepted failure
// is logged (and the certificate preserved when configured) and the
// handshake proceeds; otherwise the original error stands.
func (s *tlsSetup) except(label string, peerAddr net.IP, leaf *x509.Certificate, cause error) error {
	if s.exceptions.Accepts(peerAddr, label) {
		logging.Warn("accepting certificate despite validation failure",
			zap.String("label", label),
			zap.String("peer", peerAddr.String()),
			zap.Error(cause))
		if leaf != nil && s.invalidDir != "" {
			s.saveInvalidCert(leaf)
		}
		return nil
	}
	return errkind.ProtocolError("certificate validation failed ("+label+")", cause)
}

// saveInvalidCert persists an accepted-invalid certificate to the
// invalidcertificates directory, named by its SHA-1 fingerprint.
func (s *tlsSetup) saveInvalidCert(cert *x509.Certificate) {
	if err := os.MkdirAll(s.invalidDir, 0755); err != nil {
		logging.Warn("cannot create invalid-certificates directory", zap.Error(err))
		return
	}
	sum := sha1.Sum(cert.Raw)
	path := filepath.Join(s.invalidDir, fmt.Sprintf("%x.pem", sum))
	if _, err := os.Stat(path); err == nil {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		logging.Warn("cannot save invalid certificate", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		logging.Warn("cannot encode invalid certificate", zap.Error(err))
	}
}
