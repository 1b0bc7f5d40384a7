// Package credential produces time limited broker passwords for cloud profiles.
package credential

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"
)

const DefaultTTL = time.Hour

// JWT signs {"aud":<project>,"iat":..,"exp":..} with device private key.
// Implements session.PasswordSource.
type JWT struct {
	Audience string
	TTL      time.Duration
	method   jwt.SigningMethod
	key      crypto.PrivateKey
}

// NewJWT accepts PEM encoded RSA key for RS256 or EC key for ES256.
func NewJWT(audience, algorithm string, keyPEM []byte, ttl time.Duration) (*JWT, error) {
	if audience == "" {
		return nil, errors.NotValidf("jwt audience empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	j := &JWT{Audience: audience, TTL: ttl}
	var err error
	switch strings.ToUpper(algorithm) {
	case "", "RS256":
		j.method = jwt.SigningMethodRS256
		j.key, err = jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	case "ES256":
		j.method = jwt.SigningMethodES256
		j.key, err = jwt.ParseECPrivateKeyFromPEM(keyPEM)
	default:
		return nil, errors.NotSupportedf("jwt algorithm=%s", algorithm)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "jwt %s private key", j.method.Alg())
	}
	return j, nil
}

func NewJWTFile(audience, algorithm, path string, ttl time.Duration) (*JWT, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "jwt private key")
	}
	return NewJWT(audience, algorithm, b, ttl)
}

func (j *JWT) Algorithm() string { return j.method.Alg() }

func (j *JWT) Password(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"aud": j.Audience,
		"iat": now.Unix(),
		"exp": now.Add(j.TTL).Unix(),
	}
	s, err := jwt.NewWithClaims(j.method, claims).SignedString(j.key)
	return s, errors.Annotate(err, "jwt sign")
}

// Public is for verification in tests and diagnostics.
func (j *JWT) Public() crypto.PublicKey {
	switch k := j.key.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey
	case *ecdsa.PrivateKey:
		return &k.PublicKey
	}
	return nil
}

// GCloudClientID is MQTT client id required by cloud IoT bridge.
func GCloudClientID(project, location, registry, device string) string {
	return fmt.Sprintf("projects/%s/locations/%s/registries/%s/devices/%s", project, location, registry, device)
}
