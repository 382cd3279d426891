package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
)

// classifyHTTP tags a provider error by its HTTP status.
func classifyHTTP(op string, code int, err error) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return core.Fatal(op, fmt.Errorf("%w: %v", core.ErrMissingCredential, err))
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return core.Transient(op, err)
	case code == 0:
		return classifyNetwork(op, err)
	default:
		return core.Fatal(op, err)
	}
}

// classifyGRPC tags errors from the Gemini client, which surfaces gRPC statuses.
func classifyGRPC(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return classifyNetwork(op, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return core.Fatal(op, fmt.Errorf("%w: %v", core.ErrMissingCredential, err))
	case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return core.Transient(op, err)
	case codes.Canceled:
		return core.Cancelled(op, err)
	default:
		return core.Fatal(op, err)
	}
}

func classifyNetwork(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return core.Cancelled(op, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return core.Transient(op, err)
	}
	return core.Fatal(op, err)
}

var statusCodeRe = regexp.MustCompile(`status code: (\d{3})`)

// classifyMessage handles clients that only report the status inside the error text.
func classifyMessage(op string, err error) error {
	if m := statusCodeRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return classifyHTTP(op, code, err)
	}
	return core.Transient(op, err)
}
