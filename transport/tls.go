package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
)

// VerifyPolicy decides what happens when peer certificate chain fails verification.
// It is an operator security decision, see config `tls.verify`.
type VerifyPolicy uint8

const (
	// VerifyOptional checks the chain, logs failure and proceeds with Conn.Untrusted()=true.
	VerifyOptional VerifyPolicy = iota
	// VerifyRequired aborts handshake on verification failure.
	VerifyRequired
	// VerifyNone does not check the chain at all, Conn.Untrusted() is always true.
	VerifyNone
)

func (p VerifyPolicy) String() string {
	switch p {
	case VerifyOptional:
		return "optional"
	case VerifyRequired:
		return "required"
	case VerifyNone:
		return "none"
	}
	return fmt.Sprintf("VerifyPolicy(%d)", p)
}

func ParseVerifyPolicy(s string) (VerifyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "optional":
		return VerifyOptional, nil
	case "required", "require":
		return VerifyRequired, nil
	case "none", "skip":
		return VerifyNone, nil
	}
	return VerifyOptional, errors.NotValidf("tls verify policy=%q", s)
}

// DefaultCertSearchPaths are tried when neither CAFile nor CADir is set.
var DefaultCertSearchPaths = []string{"certs", "read-only/certs"}

// LoadRoots builds trust anchors, first source found wins:
// CAFile, CADir, search paths, system pool.
func LoadRoots(opt *Options) (*x509.CertPool, error) {
	if opt.CAFile != "" {
		pool := x509.NewCertPool()
		if err := appendPEMFile(pool, opt.CAFile); err != nil {
			return nil, err
		}
		return pool, nil
	}
	if opt.CADir != "" {
		pool := x509.NewCertPool()
		n, err := appendPEMDir(pool, opt.CADir)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.NotFoundf("certificates in ca_dir=%s", opt.CADir)
		}
		return pool, nil
	}
	paths := opt.CertSearchPaths
	if paths == nil {
		paths = DefaultCertSearchPaths
	}
	for _, dir := range paths {
		pool := x509.NewCertPool()
		if n, err := appendPEMDir(pool, dir); err == nil && n > 0 {
			opt.Log.Debugf("trust anchors from %s count=%d", dir, n)
			return pool, nil
		}
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, errors.Annotate(err, "system cert pool")
	}
	return pool, nil
}

func appendPEMFile(pool *x509.CertPool, path string) error {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Annotatef(err, "read CA file=%s", path)
	}
	if !pool.AppendCertsFromPEM(b) {
		return errors.NotValidf("CA file=%s no PEM certificates", path)
	}
	return nil
}

func appendPEMDir(pool *x509.CertPool, dir string) (int, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return 0, errors.Annotatef(err, "read CA dir=%s", dir)
	}
	n := 0
	for _, fi := range entries {
		if fi.IsDir() {
			continue
		}
		switch filepath.Ext(fi.Name()) {
		case ".pem", ".crt", ".cer":
		default:
			continue
		}
		b, err := ioutil.ReadFile(filepath.Join(dir, fi.Name()))
		if err != nil {
			continue
		}
		if pool.AppendCertsFromPEM(b) {
			n++
		}
	}
	return n, nil
}

// tlsConfig returns config and pointer to untrusted flag set during handshake.
func tlsConfig(opt *Options) (*tls.Config, *bool, error) {
	untrusted := new(bool)
	cfg := &tls.Config{
		ServerName: opt.Host,
		MinVersion: tls.VersionTLS12,
	}
	if opt.CertFile != "" || opt.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opt.CertFile, opt.KeyFile)
		if err != nil {
			return nil, nil, errors.Annotatef(err, "client cert=%s key=%s", opt.CertFile, opt.KeyFile)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	switch opt.Verify {
	case VerifyNone:
		*untrusted = true
		cfg.InsecureSkipVerify = true
		return cfg, untrusted, nil

	case VerifyRequired:
		roots, err := LoadRoots(opt)
		if err != nil {
			return nil, nil, err
		}
		cfg.RootCAs = roots
		return cfg, untrusted, nil

	case VerifyOptional:
		roots, err := LoadRoots(opt)
		if err != nil {
			// optional mode tolerates missing trust anchors too
			opt.Log.Errorf("load trust anchors: %v", err)
		}
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if err := verifyChain(cs, roots, opt.Host); err != nil {
				*untrusted = true
				opt.Log.Errorf("peer certificate verification failed, proceeding untrusted host=%s err=%v", opt.Host, err)
			}
			return nil
		}
		return cfg, untrusted, nil
	}
	return nil, nil, errors.NotValidf("verify policy=%v", opt.Verify)
}

func verifyChain(cs tls.ConnectionState, roots *x509.CertPool, host string) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("no peer certificates")
	}
	if roots == nil {
		return errors.New("no trust anchors")
	}
	inter := x509.NewCertPool()
	for _, c := range cs.PeerCertificates[1:] {
		inter.AddCert(c)
	}
	_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
		DNSName:       host,
		Roots:         roots,
		Intermediates: inter,
	})
	return err
}
