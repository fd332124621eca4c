// Package sigv4 signs object-storage requests with the AWS4-HMAC-SHA256 scheme
// used by the upstream image store.
//
// Unlike a general purpose SigV4 signer, only the headers handed in by the
// caller are signed (no implicit host header), and the signing time is always
// supplied by the caller so signatures are reproducible.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

const (
	Algorithm  = "AWS4-HMAC-SHA256"
	terminator = "aws4_request"

	DefaultRegion  = "cn-north-1"
	DefaultService = "imagex"

	HeaderDate          = "x-amz-date"
	HeaderSecurityToken = "x-amz-security-token"
	HeaderContentSHA256 = "x-amz-content-sha256"

	timeFormat  = "20060102T150405Z"
	shortFormat = "20060102"
)

// EmptyPayloadHash is the hex SHA-256 of the empty string.
var EmptyPayloadHash = hashHex(nil)

// Credential is the short-lived access triple for one upload session, plus
// the storage service it is scoped to.
type Credential struct {
	aws.Credentials
	ServiceID string
}

// Request is the input to Sign. Headers holds exactly the headers that must
// be covered by the signature.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Payload []byte
}

// SignedRequest is the immutable result of signing one request.
type SignedRequest struct {
	Method        string
	URL           string
	Headers       map[string]string // signed headers plus Authorization
	Signature     string
	PayloadHash   string
	Authorization string
}

// Signer holds the region and service the credential scope is built from.
type Signer struct {
	Region  string
	Service string
}

// New returns a Signer for the given region and service. Empty values fall
// back to the image store defaults.
func New(region, service string) *Signer {
	if region == "" {
		region = DefaultRegion
	}
	if service == "" {
		service = DefaultService
	}
	return &Signer{Region: region, Service: service}
}

// Timestamp formats at the way the x-amz-date header expects.
func Timestamp(at time.Time) string {
	return at.UTC().Truncate(time.Second).Format(timeFormat)
}

// Headers returns the date and security-token headers every storage request
// must sign.
func Headers(cred Credential, at time.Time) map[string]string {
	h := map[string]string{HeaderDate: Timestamp(at)}
	if cred.SessionToken != "" {
		h[HeaderSecurityToken] = cred.SessionToken
	}
	return h
}

// Sign computes the Authorization header for req at the given time.
func (s *Signer) Sign(req Request, cred Credential, at time.Time) (SignedRequest, error) {
	if cred.AccessKeyID == "" || cred.SecretAccessKey == "" {
		return SignedRequest{}, fmt.Errorf("sigv4: incomplete credential")
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return SignedRequest{}, fmt.Errorf("sigv4: parse url: %w", err)
	}

	method := strings.ToUpper(req.Method)
	amzDate := Timestamp(at)
	date := amzDate[:len(shortFormat)]

	headers := make(map[string]string, len(req.Headers)+2)
	for k, v := range req.Headers {
		headers[strings.ToLower(k)] = strings.TrimSpace(v)
	}

	payloadHash := EmptyPayloadHash
	if carriesBody(method) && len(req.Payload) > 0 {
		payloadHash = hashHex(req.Payload)
		headers[HeaderContentSHA256] = payloadHash
	}

	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(headers[name])
		canonicalHeaders.WriteByte('\n')
	}
	signedHeaders := strings.Join(names, ";")

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	canonicalRequest := strings.Join([]string{
		method,
		path,
		CanonicalQuery(u.RawQuery),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := strings.Join([]string{date, s.Region, s.Service, terminator}, "/")
	stringToSign := strings.Join([]string{
		Algorithm,
		amzDate,
		scope,
		hashHex([]byte(canonicalRequest)),
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256(s.signingKey(cred.SecretAccessKey, date), stringToSign))
	authorization := fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		Algorithm, cred.AccessKeyID, scope, signedHeaders, signature)

	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out["authorization"] = authorization

	return SignedRequest{
		Method:        method,
		URL:           req.URL,
		Headers:       out,
		Signature:     signature,
		PayloadHash:   payloadHash,
		Authorization: authorization,
	}, nil
}

// signingKey derives the key by chaining HMACs through date, region, service
// and the terminator.
func (s *Signer) signingKey(secret, date string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), date)
	k = hmacSHA256(k, s.Region)
	k = hmacSHA256(k, s.Service)
	return hmacSHA256(k, terminator)
}

// CanonicalQuery sorts raw query parameters by name. Values are kept as they
// appear in the URL; parameters sharing a name keep their relative order.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	type pair struct{ key, value string }
	var pairs []pair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		pairs = append(pairs, pair{key, value})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.key + "=" + p.value
	}
	return strings.Join(parts, "&")
}

func carriesBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
