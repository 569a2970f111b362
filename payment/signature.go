package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrBadSignature is returned when a provider event fails verification. The
// message never references event content, so a forged payload cannot probe
// which case ids exist.
var ErrBadSignature = errors.New("payment: invalid event signature")

const defaultSignatureTolerance = 5 * time.Minute

// SignatureVerifier checks the provider's signing scheme: an HMAC-SHA256 over
// "<timestamp>.<raw body>" carried in a header of the form
// "t=<unix>,v1=<hex>", with a bounded clock skew. The raw body bytes must be
// exactly what the provider sent; any re-serialization invalidates the MAC.
type SignatureVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{
		secret:    []byte(secret),
		tolerance: defaultSignatureTolerance,
		now:       time.Now,
	}
}

func (v *SignatureVerifier) Verify(rawBody []byte, header string) error {
	timestamp, signatures := parseSignatureHeader(header)
	if timestamp == "" || len(signatures) == 0 {
		return ErrBadSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts <= 0 {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	valid := false
	for _, sigHex := range signatures {
		decoded, err := hex.DecodeString(sigHex)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			valid = true
			break
		}
	}
	if !valid {
		return ErrBadSignature
	}

	if v.tolerance > 0 {
		skew := v.now().UTC().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return ErrBadSignature
		}
	}
	return nil
}

// SignatureHeader computes a valid header for the given body. Used by tests
// and by the local provider stub.
func SignatureHeader(secret string, rawBody []byte, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(rawBody)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (timestamp string, v1 []string) {
	for _, part := range strings.Split(header, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		switch {
		case key == "t" && timestamp == "":
			timestamp = val
		case key == "v1" && val != "":
			v1 = append(v1, val)
		}
	}
	return timestamp, v1
}
