package scanners

import (
	"bytes"
	"context"
	"crypto/dsa" //nolint:staticcheck
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bl4ck0w1/lynxscan/internal/probe"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	utls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ocsp"
)

const (
	RevocationGood        = "good"
	RevocationRevoked     = "revoked"
	RevocationUnknown     = "unknown"
	RevocationUnavailable = "unavailable"

	ocspResponseLimit = 64 << 10
)

var weakSignatures = map[x509.SignatureAlgorithm]bool{
	x509.MD2WithRSA:    true,
	x509.MD5WithRSA:    true,
	x509.SHA1WithRSA:   true,
	x509.DSAWithSHA1:   true,
	x509.ECDSAWithSHA1: true,
}

type SSLConfig struct {
	Ports            []int
	HandshakeTimeout time.Duration
	OCSPTimeout      time.Duration
	ClientHello      utls.ClientHelloID
	// Roots overrides the system pool for chain verification.
	Roots *x509.CertPool
	Now   func() time.Time
}

type SSLScanner struct {
	prober     *probe.Prober
	config     SSLConfig
	ocspClient *http.Client
	logger     *logrus.Logger
}

func NewSSLScanner(prober *probe.Prober, config SSLConfig, logger *logrus.Logger) *SSLScanner {
	if logger == nil {
		logger = logrus.New()
	}
	if len(config.Ports) == 0 {
		config.Ports = []int{443}
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.OCSPTimeout <= 0 {
		config.OCSPTimeout = 5 * time.Second
	}
	if config.ClientHello == (utls.ClientHelloID{}) {
		config.ClientHello = utls.HelloChrome_Auto
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &SSLScanner{
		prober:     prober,
		config:     config,
		ocspClient: &http.Client{Timeout: config.OCSPTimeout},
		logger:     logger,
	}
}

func (s *SSLScanner) Name() string { return NameSSL }

func (s *SSLScanner) Empty() models.Section { return &models.SSLSection{} }

func (s *SSLScanner) Scan(ctx context.Context, target models.ScanTarget) (models.Section, error) {
	section := &models.SSLSection{}
	for _, port := range s.config.Ports {
		res, err := s.scanPort(ctx, target.Host, port)
		if err != nil {
			return section, err
		}
		section.Results = append(section.Results, res)
	}
	return section, nil
}

// scanPort only returns an error when ctx is done; handshake and certificate
// problems are recorded on the result.
func (s *SSLScanner) scanPort(ctx context.Context, host string, port int) (models.SSLResult, error) {
	res := models.SSLResult{Port: port}

	conn, release, err := s.prober.Dial(ctx, host, port)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Error = err.Error()
		return res, nil
	}
	defer release()
	defer conn.Close()

	hsCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()
	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, //nolint:gosec
	}, s.config.ClientHello)
	if err := uconn.HandshakeContext(hsCtx); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Error = fmt.Sprintf("tls handshake: %v", err)
		s.logger.Debugf("TLS handshake with %s:%d failed: %v", host, port, err)
		return res, nil
	}
	state := uconn.ConnectionState()
	res.Reachable = true
	res.TLSVersion = tls.VersionName(state.Version)
	res.CipherSuite = tls.CipherSuiteName(state.CipherSuite)

	if len(state.PeerCertificates) == 0 {
		res.Error = "no certificate presented"
		return res, nil
	}
	leaf := state.PeerCertificates[0]
	DescribeCertificate(&res, leaf, s.config.Now())

	issuer, err := s.verifyChain(host, state.PeerCertificates)
	if err != nil {
		res.ChainError = err.Error()
	} else {
		res.ChainValid = true
	}

	res.RevocationStatus = s.checkRevocation(ctx, leaf, issuer, state.OCSPResponse)
	if res.RevocationStatus == RevocationRevoked {
		res.ChainValid = false
		res.ChainError = "certificate has been revoked"
	}
	return res, nil
}

// DescribeCertificate fills the certificate fields of res from leaf.
func DescribeCertificate(res *models.SSLResult, leaf *x509.Certificate, now time.Time) {
	res.Subject = leaf.Subject.String()
	res.Issuer = leaf.Issuer.String()
	res.DNSNames = append([]string(nil), leaf.DNSNames...)
	res.ValidFrom = leaf.NotBefore.UTC()
	res.ValidTo = leaf.NotAfter.UTC()
	res.Expired = now.After(leaf.NotAfter)
	res.DaysToExpire = int(leaf.NotAfter.Sub(now).Hours() / 24)
	res.SignatureAlgorithm = leaf.SignatureAlgorithm.String()
	res.WeakSignature = weakSignatures[leaf.SignatureAlgorithm]
	res.PublicKeyAlgorithm = leaf.PublicKeyAlgorithm.String()
	res.PublicKeyBits, res.WeakKey = keyStrength(leaf.PublicKey)
}

func keyStrength(pub interface{}) (bits int, weak bool) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		bits = k.N.BitLen()
		return bits, bits < 2048
	case *dsa.PublicKey:
		bits = k.P.BitLen()
		return bits, bits < 2048
	case *ecdsa.PublicKey:
		bits = k.Curve.Params().BitSize
		return bits, bits < 256
	case ed25519.PublicKey:
		return 256, false
	}
	return 0, false
}

// verifyChain verifies the presented chain for host and returns the leaf's issuer
// when it can be determined.
func (s *SSLScanner) verifyChain(host string, certs []*x509.Certificate) (*x509.Certificate, error) {
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	chains, err := certs[0].Verify(x509.VerifyOptions{
		DNSName:       host,
		Roots:         s.config.Roots,
		Intermediates: intermediates,
		CurrentTime:   s.config.Now(),
	})
	if err == nil && len(chains) > 0 && len(chains[0]) > 1 {
		return chains[0][1], nil
	}
	if len(certs) > 1 {
		return certs[1], err
	}
	return nil, err
}

func (s *SSLScanner) checkRevocation(ctx context.Context, leaf, issuer *x509.Certificate, stapled []byte) string {
	if issuer == nil {
		return RevocationUnknown
	}
	if len(stapled) > 0 {
		if resp, err := ocsp.ParseResponseForCert(stapled, leaf, issuer); err == nil {
			return ocspStatus(resp.Status)
		}
		s.logger.Debug("ignoring unparseable stapled OCSP response")
	}
	if len(leaf.OCSPServer) == 0 {
		return RevocationUnavailable
	}

	resp, err := s.queryOCSP(ctx, leaf.OCSPServer[0], leaf, issuer)
	if err != nil {
		s.logger.Debugf("OCSP query to %s failed: %v", leaf.OCSPServer[0], err)
		return RevocationUnknown
	}
	return ocspStatus(resp.Status)
}

func (s *SSLScanner) queryOCSP(ctx context.Context, server string, leaf, issuer *x509.Certificate) (*ocsp.Response, error) {
	body, err := ocsp.CreateRequest(leaf, issuer, nil)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	httpResp, err := s.ocspClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("responder returned %s", httpResp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, ocspResponseLimit))
	if err != nil {
		return nil, err
	}
	resp, err := ocsp.ParseResponseForCert(raw, leaf, issuer)
	if err != nil {
		return nil, errors.Join(errors.New("invalid OCSP response"), err)
	}
	return resp, nil
}

func ocspStatus(status int) string {
	switch status {
	case ocsp.Good:
		return RevocationGood
	case ocsp.Revoked:
		return RevocationRevoked
	default:
		return RevocationUnknown
	}
}
