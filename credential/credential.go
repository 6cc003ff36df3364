// Package credential derives transfer-server login credentials from a
// pairing shared secret.
//
// Both paired devices hold the same secret, so both can compute the same
// username and password without another round trip:
//
//	cred, err := credential.Derive(sharedSecret)
//	if err != nil {
//	    return err
//	}
//	auth := credential.NewAuthenticator(cred)
//	ok := auth.Authenticate(user, pass)
//
// Derive is a pure function: the same secret always yields the same
// credential.
package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/gonzalop/pairxfer/internal/failure"
)

// DefaultPrefix is prepended to derived usernames.
const DefaultPrefix = "sftp_"

// maxUsernameBody is the number of characters kept after the prefix.
const maxUsernameBody = 16

// Credential is a derived username/password pair.
//
// Password is cleartext and lives only in memory. It is reported to the
// caller so it can be relayed to the paired device.
type Credential struct {
	Username string
	Password string
}

// Derive computes the credential for a base64-encoded shared secret using
// [DefaultPrefix].
func Derive(sharedSecret string) (Credential, error) {
	return DeriveWithPrefix(sharedSecret, DefaultPrefix)
}

// DeriveWithPrefix computes the credential for a base64-encoded shared
// secret:
//
//   - digest = SHA-256(base64-decode(sharedSecret))
//   - username = prefix + lowercase(alnum(base64url(digest[:8])))[:16]
//   - password = alnum(base64url(digest[:32]))
//
// Trailing '=' padding on sharedSecret is optional. A malformed or empty
// secret returns an error classified as a configuration failure.
func DeriveWithPrefix(sharedSecret, prefix string) (Credential, error) {
	if sharedSecret == "" {
		return Credential{}, failure.Configf("derive credential", "empty shared secret")
	}

	raw, err := decodeSecret(sharedSecret)
	if err != nil {
		return Credential{}, failure.New("derive credential", fmt.Errorf("decoding shared secret: %w", err))
	}

	digest := sha256.Sum256(raw)
	clear(raw)

	body := strings.ToLower(alnum(base64.URLEncoding.EncodeToString(digest[:8])))
	if len(body) > maxUsernameBody {
		body = body[:maxUsernameBody]
	}

	return Credential{
		Username: prefix + body,
		Password: alnum(base64.URLEncoding.EncodeToString(digest[:32])),
	}, nil
}

// decodeSecret decodes standard base64, accepting input with its padding
// stripped.
func decodeSecret(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err == nil || strings.ContainsRune(s, '=') {
		return raw, err
	}
	if unpadded, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return unpadded, nil
	}
	return nil, err
}

// alnum drops every character outside [A-Za-z0-9].
func alnum(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Authenticator checks login attempts against a derived credential.
//
// It keeps only a digest of the password; the cleartext given to
// NewAuthenticator is not retained. It is safe for concurrent use.
type Authenticator struct {
	username string
	digest   [32]byte
}

// NewAuthenticator returns an Authenticator for cred.
func NewAuthenticator(cred Credential) *Authenticator {
	return &Authenticator{
		username: cred.Username,
		digest:   passwordDigest(cred.Password),
	}
}

// Username returns the only username this authenticator accepts.
func (a *Authenticator) Username() string {
	return a.username
}

// Authenticate reports whether user and password match. Both comparisons
// run in constant time.
func (a *Authenticator) Authenticate(user, password string) bool {
	attempt := passwordDigest(password)
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username))
	passOK := subtle.ConstantTimeCompare(attempt[:], a.digest[:])
	return userOK&passOK == 1
}

func passwordDigest(password string) [32]byte {
	return blake3.Sum256([]byte(password))
}
