package txn

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const signatureLen = 64

var (
	ErrEmptyPayload     = errors.New("txn: empty payload")
	ErrMalformed        = errors.New("txn: malformed transaction")
	ErrMissingSignature = errors.New("txn: transaction carries no signature")
)

// Signed is a fully signed, serialized transaction. Raw is resent verbatim on
// every attempt; it is never re-signed.
type Signed struct {
	// ID is the base58 encoding of the first signature, which is also the
	// identifier the network reports the transaction under.
	ID        string
	Raw       []byte
	Versioned bool
}

// Parse inspects signed wire bytes and derives the transaction id.
//
// Layout: compact-u16 signature count, count*64 signature bytes, message.
// A versioned message starts with a byte whose high bit is set.
func Parse(raw []byte) (Signed, error) {
	if len(raw) == 0 {
		return Signed{}, ErrEmptyPayload
	}
	n, off, err := readCompactU16(raw)
	if err != nil {
		return Signed{}, err
	}
	if n == 0 {
		return Signed{}, ErrMissingSignature
	}
	msgAt := off + n*signatureLen
	if len(raw) <= msgAt {
		return Signed{}, fmt.Errorf("%w: %d signatures need %d bytes, have %d", ErrMalformed, n, msgAt+1, len(raw))
	}
	sig := raw[off : off+signatureLen]
	if isZero(sig) {
		return Signed{}, ErrMissingSignature
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return Signed{
		ID:        base58.Encode(sig),
		Raw:       cp,
		Versioned: raw[msgAt]&0x80 != 0,
	}, nil
}

// DecodeBase64 parses a base64 (std or url, padded or not) encoded transaction.
func DecodeBase64(s string) (Signed, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Signed{}, ErrEmptyPayload
	}
	var (
		b   []byte
		err error
	)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err = enc.DecodeString(s); err == nil {
			return Parse(b)
		}
	}
	return Signed{}, fmt.Errorf("%w: %v", ErrMalformed, err)
}

// Base64 returns the standard base64 encoding used by RPC nodes and relays.
func (s Signed) Base64() string { return base64.StdEncoding.EncodeToString(s.Raw) }

func readCompactU16(b []byte) (val, n int, err error) {
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("%w: truncated length prefix", ErrMalformed)
		}
		c := int(b[i])
		val |= (c & 0x7f) << (7 * i)
		if c&0x80 == 0 {
			return val, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: length prefix overflow", ErrMalformed)
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
