package certstore

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Role names used in CertError.Name.
const (
	RoleCertificate = "certificate"
	RolePrivateKey  = "private key"
	RoleRootCA      = "root CA"
)

// tlsMinVersion is the lowest protocol the broker session accepts.
const tlsMinVersion = tls.VersionTLS12

// Paths locates the three PEM inputs on disk.
type Paths struct {
	CertFile   string
	KeyFile    string
	RootCAFile string
}

// Bundle is a parsed, immutable set of TLS credentials.
// It is safe to share between goroutines.
type Bundle struct {
	cert  tls.Certificate
	leaf  *x509.Certificate
	roots *x509.CertPool
}

// Valid reports whether b came from Load or Parse. A nil or zero Bundle
// holds no usable credentials.
func (b *Bundle) Valid() bool {
	return b != nil && b.leaf != nil && b.roots != nil
}

// Certificate returns the client certificate chain with its private key.
func (b *Bundle) Certificate() tls.Certificate {
	return b.cert
}

// Leaf returns the parsed client certificate.
func (b *Bundle) Leaf() *x509.Certificate {
	return b.leaf
}

// Roots returns the pool used to verify the broker.
func (b *Bundle) Roots() *x509.CertPool {
	return b.roots
}

// NotAfter returns the expiry of the client certificate.
func (b *Bundle) NotAfter() time.Time {
	return b.leaf.NotAfter
}

// TLSConfig returns a new mutual TLS configuration for serverName.
// Each call returns a fresh value so callers may modify it.
func (b *Bundle) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{b.cert},
		RootCAs:      b.roots,
		ServerName:   serverName,
		MinVersion:   tlsMinVersion,
	}
}

// ValidateFiles checks that every file exists and is non-empty without parsing.
func ValidateFiles(p Paths) error {
	for _, f := range p.files() {
		if _, err := readFile(f.role, f.path); err != nil {
			return err
		}
	}
	return nil
}

// Load reads and parses the three PEM files.
//
// It returns either a complete bundle or a *CertError, never both.
func Load(p Paths) (*Bundle, error) {
	var data [3][]byte
	for i, f := range p.files() {
		b, err := readFile(f.role, f.path)
		if err != nil {
			return nil, err
		}
		data[i] = b
	}
	bundle, err := Parse(data[0], data[1], data[2])
	if err != nil {
		var ce *CertError
		if errors.As(err, &ce) {
			ce.Path = p.pathFor(ce.Name)
		}
		return nil, err
	}
	return bundle, nil
}

// Parse builds a bundle from in-memory PEM data.
func Parse(certPEM, keyPEM, caPEM []byte) (*Bundle, error) {
	for _, in := range []struct {
		role string
		data []byte
	}{
		{RoleCertificate, certPEM},
		{RolePrivateKey, keyPEM},
		{RoleRootCA, caPEM},
	} {
		if len(bytes.TrimSpace(in.data)) == 0 {
			return nil, &CertError{Kind: KindEmpty, Name: in.role}
		}
	}

	chain, err := parseCertificates(certPEM)
	if err != nil {
		return nil, &CertError{Kind: KindParseFailure, Name: RoleCertificate, Err: err}
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, &CertError{Kind: KindParseFailure, Name: RolePrivateKey, Err: err}
	}
	roots, err := parseCertificates(caPEM)
	if err != nil {
		return nil, &CertError{Kind: KindParseFailure, Name: RoleRootCA, Err: err}
	}

	leaf := chain[0]
	if !keyMatches(leaf, key) {
		return nil, &CertError{
			Kind:   KindParseFailure,
			Name:   RolePrivateKey,
			Detail: "key does not match certificate",
		}
	}

	pool := x509.NewCertPool()
	for _, c := range roots {
		pool.AddCert(c)
	}

	raw := make([][]byte, 0, len(chain))
	for _, c := range chain {
		raw = append(raw, c.Raw)
	}

	return &Bundle{
		cert: tls.Certificate{
			Certificate: raw,
			PrivateKey:  key,
			Leaf:        leaf,
		},
		leaf:  leaf,
		roots: pool,
	}, nil
}

type namedFile struct {
	role string
	path string
}

func (p Paths) files() []namedFile {
	return []namedFile{
		{RoleCertificate, p.CertFile},
		{RolePrivateKey, p.KeyFile},
		{RoleRootCA, p.RootCAFile},
	}
}

func (p Paths) pathFor(role string) string {
	for _, f := range p.files() {
		if f.role == role {
			return f.path
		}
	}
	return ""
}

func readFile(role, path string) ([]byte, error) {
	if path == "" {
		return nil, &CertError{Kind: KindMissing, Name: role, Detail: "no path configured"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &CertError{Kind: KindMissing, Name: role, Path: path}
		}
		return nil, &CertError{Kind: KindMissing, Name: role, Path: path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &CertError{Kind: KindEmpty, Name: role, Path: path}
	}
	return data, nil
}

// derBlocks returns the DER payload of every PEM block in data.
// Input without PEM armor is treated as a single base64 body.
func derBlocks(data []byte) ([]*pem.Block, error) {
	var blocks []*pem.Block
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks = append(blocks, block)
	}
	if len(blocks) > 0 {
		return blocks, nil
	}

	der, err := base64.StdEncoding.DecodeString(string(stripSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("no PEM block and not base64: %w", err)
	}
	return []*pem.Block{{Type: "", Bytes: der}}, nil
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	blocks, err := derBlocks(data)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for _, b := range blocks {
		if b.Type != "" && b.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(b.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid certificate: %w", err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, errors.New("no CERTIFICATE block found")
	}
	return certs, nil
}

// parsePrivateKey accepts PKCS#8, PKCS#1 and SEC1 keys. Some provisioning
// tools write PKCS#8 bodies under an "RSA PRIVATE KEY" header, so the
// header only decides which format is tried first.
func parsePrivateKey(data []byte) (crypto.Signer, error) {
	blocks, err := derBlocks(data)
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		if b.Type != "" && !isKeyBlock(b.Type) {
			continue
		}
		parsers := []func([]byte) (any, error){parsePKCS8, parsePKCS1, parseEC}
		switch b.Type {
		case "RSA PRIVATE KEY":
			parsers = []func([]byte) (any, error){parsePKCS1, parsePKCS8}
		case "EC PRIVATE KEY":
			parsers = []func([]byte) (any, error){parseEC, parsePKCS8}
		}
		var lastErr error
		for _, parse := range parsers {
			key, err := parse(b.Bytes)
			if err != nil {
				lastErr = err
				continue
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported private key type %T", key)
			}
			return signer, nil
		}
		return nil, fmt.Errorf("invalid private key: %w", lastErr)
	}
	return nil, errors.New("no private key block found")
}

func isKeyBlock(t string) bool {
	switch t {
	case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
		return true
	}
	return false
}

func parsePKCS8(der []byte) (any, error) { return x509.ParsePKCS8PrivateKey(der) }
func parsePKCS1(der []byte) (any, error) { return x509.ParsePKCS1PrivateKey(der) }
func parseEC(der []byte) (any, error)    { return x509.ParseECPrivateKey(der) }

func keyMatches(leaf *x509.Certificate, key crypto.Signer) bool {
	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false
	}
	return pub.Equal(key.Public())
}

func stripSpace(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case ' ', '\n', '\r', '\t':
			continue
		}
		out = append(out, c)
	}
	return out
}
