// Package signer builds the HTTP signature header required by the upstream
// cloud provider when the auth proxy asks it for a session credential.
//
// The output must match the provider byte for byte:
//
//	Signature version="1",keyId="<tenancy>/<user>/<fingerprint>",algorithm="rsa-sha256",headers="(request-target) date host",signature="<base64>"
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/snapvoice/pkg/errorsx"
)

// Signable header names.
const (
	HeaderRequestTarget = "(request-target)"
	HeaderHost          = "host"
	HeaderDate          = "date"
)

// DefaultHeaders is the full signable set.
var DefaultHeaders = []string{HeaderRequestTarget, HeaderHost, HeaderDate}

// KeyID identifies the signing key upstream.
type KeyID struct {
	Tenancy     string
	User        string
	Fingerprint string
}

func (k KeyID) String() string {
	return k.Tenancy + "/" + k.User + "/" + k.Fingerprint
}

// Validate reports an error when any part of the key id is empty.
func (k KeyID) Validate() error {
	switch {
	case strings.TrimSpace(k.Tenancy) == "":
		return errorsx.New(errorsx.ReasonSignKey, "key id: tenancy is required")
	case strings.TrimSpace(k.User) == "":
		return errorsx.New(errorsx.ReasonSignKey, "key id: user is required")
	case strings.TrimSpace(k.Fingerprint) == "":
		return errorsx.New(errorsx.ReasonSignKey, "key id: fingerprint is required")
	}
	return nil
}

// SigningRequest carries the request parts covered by the signature.
// Headers selects a subset of DefaultHeaders; empty means all of them.
type SigningRequest struct {
	Host    string
	Path    string
	Method  string
	Date    string
	Headers []string
}

// Signer produces Authorization headers with an RSA private key.
type Signer struct {
	keyID KeyID
	key   *rsa.PrivateKey
}

func New(keyID KeyID, key *rsa.PrivateKey) (*Signer, error) {
	if err := keyID.Validate(); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errorsx.New(errorsx.ReasonSignKey, "private key is required")
	}
	return &Signer{keyID: keyID, key: key}, nil
}

// NewFromPEM parses privateKeyPEM and builds a Signer.
func NewFromPEM(keyID KeyID, privateKeyPEM []byte) (*Signer, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return New(keyID, key)
}

func (s *Signer) KeyID() KeyID { return s.keyID }

// Sign returns the Authorization header value for req.
func (s *Signer) Sign(req SigningRequest) (string, error) {
	names, err := canonicalHeaders(req.Headers)
	if err != nil {
		return "", err
	}
	signingString, err := buildSigningString(req, names)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", errorsx.Wrapf(err, errorsx.ReasonSignFailed, "rsa sign")
	}
	return fmt.Sprintf(`Signature version="1",keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		s.keyID.String(),
		strings.Join(names, " "),
		base64.StdEncoding.EncodeToString(sig),
	), nil
}

// SignRequest fills in missing Date and signs r in place, covering every
// header in DefaultHeaders.
func (s *Signer) SignRequest(r *http.Request) error {
	if r == nil || r.URL == nil {
		return errorsx.New(errorsx.ReasonSignFailed, "request is required")
	}
	date := r.Header.Get("Date")
	if date == "" {
		date = time.Now().UTC().Format(http.TimeFormat)
		r.Header.Set("Date", date)
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	auth, err := s.Sign(SigningRequest{
		Host:   host,
		Path:   r.URL.RequestURI(),
		Method: r.Method,
		Date:   date,
	})
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", auth)
	return nil
}

// SigningString exposes the exact bytes that get signed, for debugging and tests.
func SigningString(req SigningRequest) (string, error) {
	names, err := canonicalHeaders(req.Headers)
	if err != nil {
		return "", err
	}
	return buildSigningString(req, names)
}

func canonicalHeaders(in []string) ([]string, error) {
	if len(in) == 0 {
		in = DefaultHeaders
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, h := range in {
		name := strings.ToLower(strings.TrimSpace(h))
		switch name {
		case HeaderRequestTarget, HeaderHost, HeaderDate:
		default:
			return nil, errorsx.New(errorsx.ReasonSignFailed, fmt.Sprintf("header %q cannot be signed", h))
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func buildSigningString(req SigningRequest, names []string) (string, error) {
	lines := make([]string, 0, len(names))
	for _, name := range names {
		var value string
		switch name {
		case HeaderRequestTarget:
			if req.Method == "" || req.Path == "" {
				return "", errorsx.New(errorsx.ReasonSignFailed, "method and path are required for (request-target)")
			}
			value = strings.ToLower(req.Method) + " " + req.Path
		case HeaderHost:
			if req.Host == "" {
				return "", errorsx.New(errorsx.ReasonSignFailed, "host is required")
			}
			value = req.Host
		case HeaderDate:
			if req.Date == "" {
				return "", errorsx.New(errorsx.ReasonSignFailed, "date is required")
			}
			value = req.Date
		}
		lines = append(lines, name+": "+value)
	}
	return strings.Join(lines, "\n"), nil
}

// ParsePrivateKey decodes a PEM encoded RSA key in PKCS#1 or PKCS#8 form.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errorsx.New(errorsx.ReasonSignKey, "private key: no PEM block found")
	}
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy encrypted keys are rejected, not decrypted
		return nil, errorsx.New(errorsx.ReasonSignKey, "private key: encrypted keys are not supported")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errorsx.Wrapf(err, errorsx.ReasonSignKey, "private key")
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errorsx.Wrapf(err, errorsx.ReasonSignKey, "private key")
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errorsx.New(errorsx.ReasonSignKey, "private key: not an RSA key")
		}
		return key, nil
	default:
		return nil, errorsx.Wrap(errors.New("private key: unsupported PEM type "+block.Type), errorsx.ReasonSignKey)
	}
}
