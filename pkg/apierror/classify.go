package apierror

import (
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// FailCodeContentFiltered is the job fail_code reported when moderation
// rejects a prompt or its output.
const FailCodeContentFiltered = "2038"

// retKinds maps envelope ret codes to failure kinds. Codes missing from the
// table are UpstreamLogic: the upstream refused the request for a reason we
// have no specific handling for.
var retKinds = map[string]Kind{
	"1014":     KindAuthentication,
	"1015":     KindAuthentication,
	"34010105": KindAuthentication,
	"5000":     KindInsufficientCredits,
	"4001":     KindInvalidRequest,
	"1000":     KindInvalidRequest,
	"2038":     KindContentPolicy,
	"1180":     KindContentPolicy,
	"2001":     KindTransient,
}

// failCodeKinds maps job fail_code values (status 30) to failure kinds.
var failCodeKinds = map[string]Kind{
	FailCodeContentFiltered: KindContentPolicy,
}

// ClassifyEnvelope turns a non-zero envelope ret into a typed error. errmsg is
// kept for the caller and logs only.
func ClassifyEnvelope(ret, errmsg string, raw []byte) *Error {
	kind, ok := retKinds[ret]
	if !ok {
		kind = KindUpstreamLogic
	}
	if errmsg == "" {
		errmsg = "upstream rejected request"
	}
	return &Error{Kind: kind, Code: ret, Message: errmsg, Raw: truncate(string(raw))}
}

// ClassifyFailCode returns the kind for a failed job's fail_code.
func ClassifyFailCode(failCode string) Kind {
	if kind, ok := failCodeKinds[failCode]; ok {
		return kind
	}
	return KindGenerationFailed
}

// ClassifyStatus reports whether an HTTP status from the upstream is worth a
// retry. Every status >= 400 is treated as transient at the transport layer;
// application errors arrive inside a 200 envelope.
func ClassifyStatus(code int) (Kind, bool) {
	if code >= http.StatusBadRequest {
		return KindTransient, true
	}
	return KindUnknown, false
}

// IsTransientTransport reports whether a transport error is a timeout,
// connection reset/refused or premature EOF.
func IsTransientTransport(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
