// Package token mints and verifies the stateless access tokens that bind a
// media slug, an expiry and a principal's session fingerprint together.
//
// A token is an HMAC-SHA256 over a canonical, length-prefixed encoding of
// its fields. Length prefixes make the encoding unambiguous for any field
// content, so a slug can never be split into or merged with a neighbouring
// field. Tokens have no server-side state; validity is a function of the
// signature and the wall clock.
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"vidvault/internal/clock"

	"golang.org/x/crypto/hkdf"
)

// Purpose separates token families. Each purpose signs with its own key,
// so a page token can never be replayed as a stream token.
type Purpose string

const (
	PurposeStream Purpose = "stream"
	PurposePage   Purpose = "page"
)

// Query parameter names used in playback URLs.
const (
	ParamToken       = "token"
	ParamExpires     = "_t"
	ParamFingerprint = "_sid"
	ParamNonce       = "_n"
)

var (
	ErrInvalidSlug    = errors.New("slug contains characters outside [A-Za-z0-9_-]")
	ErrShortSecret    = errors.New("token secret must be at least 16 bytes")
	ErrNonPositiveTTL = errors.New("token ttl must be positive")
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSlug reports whether s is a well-formed asset slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// AccessToken is a bearer capability for one slug.
type AccessToken struct {
	Slug        string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Fingerprint string
	Nonce       string
	MAC         string // hex
}

// Query encodes the token fields as URL query parameters.
func (t AccessToken) Query() url.Values {
	q := url.Values{}
	q.Set(ParamToken, t.MAC)
	q.Set(ParamExpires, strconv.FormatInt(t.ExpiresAt.Unix(), 10))
	q.Set(ParamFingerprint, t.Fingerprint)
	q.Set(ParamNonce, t.Nonce)
	return q
}

// FromQuery rebuilds a presented token from URL query parameters. Missing or
// malformed fields produce a token that will not verify.
func FromQuery(slug string, q url.Values) AccessToken {
	tok := AccessToken{
		Slug:        slug,
		MAC:         q.Get(ParamToken),
		Fingerprint: q.Get(ParamFingerprint),
		Nonce:       q.Get(ParamNonce),
	}
	if exp, err := strconv.ParseInt(q.Get(ParamExpires), 10, 64); err == nil {
		tok.ExpiresAt = time.Unix(exp, 0)
	}
	return tok
}

// Codec mints and verifies tokens of one purpose.
type Codec struct {
	purpose Purpose
	key     []byte
	clock   clock.Clock
}

// NewCodec derives the purpose key from secret with HKDF-SHA256.
func NewCodec(secret []byte, purpose Purpose, clk clock.Clock) (*Codec, error) {
	if len(secret) < 16 {
		return nil, ErrShortSecret
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("vidvault/token/"+string(purpose)+"/v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Codec{purpose: purpose, key: key, clock: clk}, nil
}

// Purpose returns the token family this codec signs.
func (c *Codec) Purpose() Purpose { return c.purpose }

// Mint creates a token for slug valid for ttl, bound to fingerprint.
func (c *Codec) Mint(slug string, ttl time.Duration, fingerprint string) (AccessToken, error) {
	if !ValidSlug(slug) {
		return AccessToken{}, ErrInvalidSlug
	}
	if ttl <= 0 {
		return AccessToken{}, ErrNonPositiveTTL
	}

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return AccessToken{}, fmt.Errorf("crypto/rand failure: %w", err)
	}

	now := c.clock.Now()
	tok := AccessToken{
		Slug:        slug,
		IssuedAt:    now.Truncate(time.Second),
		ExpiresAt:   time.Unix(now.Add(ttl).Unix(), 0),
		Fingerprint: fingerprint,
		Nonce:       hex.EncodeToString(nonce),
	}
	tok.MAC = hex.EncodeToString(c.sign(tok.Slug, tok.ExpiresAt.Unix(), fingerprint, tok.Nonce))
	return tok, nil
}

// Verify reports whether tok was minted by this codec for the given session
// fingerprint and has not expired at now. The fingerprint is supplied by the
// caller from the current session, not taken from the presented token.
func (c *Codec) Verify(tok AccessToken, fingerprint string, now time.Time) bool {
	if tok.ExpiresAt.IsZero() || !now.Before(tok.ExpiresAt) {
		return false
	}
	return c.VerifyMAC(tok.Slug, tok.MAC, fingerprint, tok.ExpiresAt.Unix(), tok.Nonce)
}

// VerifyMAC checks the signature only; expiry is the caller's concern.
func (c *Codec) VerifyMAC(slug, mac, fingerprint string, expires int64, nonce string) bool {
	if !ValidSlug(slug) {
		return false
	}
	presented, err := hex.DecodeString(mac)
	if err != nil || len(presented) != sha256.Size {
		return false
	}
	return hmac.Equal(presented, c.sign(slug, expires, fingerprint, nonce))
}

func (c *Codec) sign(slug string, expires int64, fingerprint, nonce string) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(canonical(c.purpose, slug, expires, fingerprint, nonce))
	return mac.Sum(nil)
}

// canonical encodes each field as a 4-byte big-endian length followed by
// the field bytes.
func canonical(purpose Purpose, slug string, expires int64, fingerprint, nonce string) []byte {
	var buf bytes.Buffer
	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], uint64(expires))

	for _, field := range [][]byte{
		[]byte(purpose),
		[]byte(slug),
		exp[:],
		[]byte(fingerprint),
		[]byte(nonce),
	} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		buf.Write(n[:])
		buf.Write(field)
	}
	return buf.Bytes()
}
