package upstream

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fixed web client constants the upstream expects on every call.
const (
	AppID        = "513695"
	PlatformCode = "7"
	VersionCode  = "5.8.0"
	DAVersion    = "3.2.8"
	WebVersion   = "6.6.0"
	Region       = "CN"

	signSalt   = "9e2c"
	signSuffix = "11ac"
)

// Identity is the pseudo device identity presented to the upstream. It is
// generated once per process and never mutated afterwards.
type Identity struct {
	DeviceID string
	WebID    string
	UserID   string
}

// NewIdentity generates a fresh random identity.
func NewIdentity() Identity {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return Identity{
		DeviceID: randomWebNumber(r),
		WebID:    randomWebNumber(r),
		UserID:   strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

// randomWebNumber returns a 19-digit id in the range the web client uses.
func randomWebNumber(r *rand.Rand) string {
	const base = 7000000000000000000
	return strconv.FormatUint(base+uint64(r.Int63n(999999999999999999)), 10)
}

// Cookie assembles the cookie header for a session token.
func (id Identity) Cookie(sessionToken string, now time.Time) string {
	issued := now.Unix()
	expires := url.QueryEscape(now.Add(60 * 24 * time.Hour).UTC().Format("Mon, 02-Jan-2006 15:04:05 GMT"))
	return strings.Join([]string{
		"_tea_web_id=" + id.WebID,
		"is_staff_user=false",
		"store-region=cn-gd",
		"store-region-src=uid",
		fmt.Sprintf("sid_guard=%s%%7C%d%%7C5184000%%7C%s", sessionToken, issued, expires),
		"uid_tt=" + id.UserID,
		"uid_tt_ss=" + id.UserID,
		"sid_tt=" + sessionToken,
		"sessionid=" + sessionToken,
		"sessionid_ss=" + sessionToken,
	}, "; ")
}

// CallSign computes the lightweight per-call Sign header: an MD5 over the
// salt, the last seven characters of the path, the platform and version
// codes and the device time.
func CallSign(path string, deviceTime int64) string {
	tail := path
	if len(tail) > 7 {
		tail = tail[len(tail)-7:]
	}
	raw := fmt.Sprintf("%s|%s|%s|%s|%d||%s", signSalt, tail, PlatformCode, VersionCode, deviceTime, signSuffix)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
