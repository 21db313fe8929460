package ca

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"time"
)

// ChainPosition classifies an entry in a certificate path.
type ChainPosition string

const (
	ChainLeaf         ChainPosition = "leaf"
	ChainIntermediate ChainPosition = "intermediate"
	ChainRoot         ChainPosition = "root"
)

// ChainCertificateInfo is one link in the leaf-to-root path.
type ChainCertificateInfo struct {
	Depth      int           `json:"depth"`
	Position   ChainPosition `json:"position"`
	SubjectCN  string        `json:"subject_cn"`
	IssuerCN   string        `json:"issuer_cn"`
	NotBefore  time.Time     `json:"not_before"`
	NotAfter   time.Time     `json:"not_after"`
	PEM        string        `json:"pem"`
	SelfSigned bool          `json:"self_signed"`
}

// GetCertificateChain reconstructs the path from the hostname's active
// certificate towards its root, using the chain stored at import time and
// the local root CA as candidate issuers. The walk is best-effort: an
// unreachable root is not an error, the verified prefix is returned.
// Pending-only records produce an empty chain.
func (m *Manager) GetCertificateChain(ctx context.Context, hostname string) ([]ChainCertificateInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cert, err := m.loadCertificateLocked(hostname)
	if err != nil {
		return nil, err
	}
	if cert.Active == nil {
		return []ChainCertificateInfo{}, nil
	}
	leaf, err := parseCertificatePEM(cert.Active.CertificatePEM)
	if err != nil {
		return nil, err
	}

	candidates := parseCertificateChainPEM(cert.Active.ChainPEM)
	root, err := m.loadRootCALocked()
	if err != nil && !errors.Is(err, ErrRootCAMissing) {
		return nil, err
	}
	if root != nil {
		if rootCert, err := parseCertificatePEM(root.CertificatePEM); err == nil {
			candidates = append(candidates, rootCert)
		}
	}

	return buildChain(leaf, cert.Active.CertificatePEM, candidates), nil
}

// buildChain walks issuer links from the leaf through the candidate pool.
// Each candidate is consumed at most once, which also breaks cross-signed
// loops.
func buildChain(leaf *x509.Certificate, leafPEM string, candidates []*x509.Certificate) []ChainCertificateInfo {
	chain := []ChainCertificateInfo{chainEntry(leaf, leafPEM, 0)}

	used := make([]bool, len(candidates))
	current := leaf
	depth := 0
	for !isSelfSigned(current) {
		next := -1
		for i, candidate := range candidates {
			if used[i] {
				continue
			}
			if !bytes.Equal(current.RawIssuer, candidate.RawSubject) {
				continue
			}
			if err := current.CheckSignatureFrom(candidate); err != nil {
				continue
			}
			next = i
			break
		}
		if next == -1 {
			break
		}
		used[next] = true
		current = candidates[next]
		depth++
		chain = append(chain, chainEntry(current, encodeCertPEM(current.Raw), depth))
	}

	// Classify the interior and the terminus now that the walk is done.
	for i := 1; i < len(chain); i++ {
		chain[i].Position = ChainIntermediate
	}
	if last := len(chain) - 1; last > 0 && chain[last].SelfSigned {
		chain[last].Position = ChainRoot
	}
	return chain
}

func chainEntry(cert *x509.Certificate, pemData string, depth int) ChainCertificateInfo {
	return ChainCertificateInfo{
		Depth:      depth,
		Position:   ChainLeaf,
		SubjectCN:  cert.Subject.CommonName,
		IssuerCN:   cert.Issuer.CommonName,
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
		PEM:        pemData,
		SelfSigned: isSelfSigned(cert),
	}
}

// isSelfSigned reports issuer==subject by raw DER comparison.
func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject)
}
