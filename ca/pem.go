package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
)

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeCSR         = "CERTIFICATE REQUEST"
	pemTypePKCS8Key    = "PRIVATE KEY"
)

func parseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != pemTypeCertificate {
		return nil, ErrInvalidFormat
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return cert, nil
}

// parseCertificateChainPEM decodes every CERTIFICATE block in data,
// skipping anything else. Unparseable blocks are dropped rather than
// failing the whole chain.
func parseCertificateChainPEM(data string) []*x509.Certificate {
	var certs []*x509.Certificate
	rest := []byte(data)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return certs
		}
		if block.Type != pemTypeCertificate {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
}

func parseCSRPEM(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != pemTypeCSR {
		return nil, ErrInvalidFormat
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return csr, nil
}

// parsePrivateKeyPEM accepts PKCS#8, PKCS#1 and SEC 1 encodings so that
// externally produced keys import without conversion.
func parsePrivateKeyPEM(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, ErrInvalidFormat
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidFormat, key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: not a recognised private key encoding", ErrInvalidFormat)
}

func encodeCertPEM(derBytes []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: derBytes}))
}

func encodeCSRPEM(derBytes []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: derBytes}))
}

func encodeKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePKCS8Key, Bytes: der}), nil
}

// publicKeysEqual compares two public keys of any standard algorithm.
func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ae, ok := a.(equaler)
	if !ok {
		return false
	}
	return ae.Equal(b)
}

// publicKeyBits returns the key size in bits, or zero when unknown.
func publicKeyBits(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen()
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	default:
		return 0
	}
}

// pkixName builds the request subject, filling blank fields from defaults.
func pkixName(commonName string, subject, defaults SubjectInfo) pkix.Name {
	merged := subject
	if merged.Organization == "" {
		merged.Organization = defaults.Organization
	}
	if merged.OrganizationalUnit == "" {
		merged.OrganizationalUnit = defaults.OrganizationalUnit
	}
	if merged.Locality == "" {
		merged.Locality = defaults.Locality
	}
	if merged.Province == "" {
		merged.Province = defaults.Province
	}
	if merged.Country == "" {
		merged.Country = defaults.Country
	}

	name := pkix.Name{CommonName: commonName}
	if merged.Organization != "" {
		name.Organization = []string{merged.Organization}
	}
	if merged.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{merged.OrganizationalUnit}
	}
	if merged.Locality != "" {
		name.Locality = []string{merged.Locality}
	}
	if merged.Province != "" {
		name.Province = []string{merged.Province}
	}
	if merged.Country != "" {
		name.Country = []string{merged.Country}
	}
	return name
}

func subjectInfoFromName(name pkix.Name) SubjectInfo {
	info := SubjectInfo{}
	if len(name.Organization) > 0 {
		info.Organization = name.Organization[0]
	}
	if len(name.OrganizationalUnit) > 0 {
		info.OrganizationalUnit = name.OrganizationalUnit[0]
	}
	if len(name.Locality) > 0 {
		info.Locality = name.Locality[0]
	}
	if len(name.Province) > 0 {
		info.Province = name.Province[0]
	}
	if len(name.Country) > 0 {
		info.Country = name.Country[0]
	}
	return info
}

// certSANs extracts the typed SAN list from a parsed certificate.
func certSANs(cert *x509.Certificate) []SAN {
	sans := make([]SAN, 0, len(cert.DNSNames)+len(cert.IPAddresses))
	for _, d := range cert.DNSNames {
		sans = append(sans, SAN{Type: SANDNS, Value: d})
	}
	for _, ip := range cert.IPAddresses {
		sans = append(sans, SAN{Type: SANIP, Value: ip.String()})
	}
	return sans
}

func csrSANs(csr *x509.CertificateRequest) []SAN {
	sans := make([]SAN, 0, len(csr.DNSNames)+len(csr.IPAddresses))
	for _, d := range csr.DNSNames {
		sans = append(sans, SAN{Type: SANDNS, Value: d})
	}
	for _, ip := range csr.IPAddresses {
		sans = append(sans, SAN{Type: SANIP, Value: ip.String()})
	}
	return sans
}

// splitSANs partitions a typed SAN list into the DNS and IP slices the
// x509 templates want. The hostname is always the first DNS name.
func splitSANs(hostname string, sans []SAN) (dns []string, ips []net.IP) {
	dns = []string{hostname}
	for _, san := range sans {
		switch san.Type {
		case SANDNS:
			if san.Value != hostname {
				dns = append(dns, san.Value)
			}
		case SANIP:
			if ip := net.ParseIP(san.Value); ip != nil {
				ips = append(ips, ip)
			}
		}
	}
	return dns, ips
}

// newSerial draws a random 128-bit certificate serial.
func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	return serial, nil
}

func allowedKeySize(bits int) bool {
	switch bits {
	case 2048, 3072, 4096:
		return true
	}
	return false
}
