package visitapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

const maxErrorBody = 300

// classifyStatus maps a non-2xx response onto the visit error taxonomy.
func classifyStatus(op string, status int, body []byte) *visits.Error {
	msg := errorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}

	var kind visits.Kind
	switch {
	case status == http.StatusNotFound:
		kind = visits.KindNotFound
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		kind = visits.KindConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		kind = visits.KindTransport
	default:
		kind = visits.KindRejected
	}
	return &visits.Error{Kind: kind, Op: op, Status: status, Err: errors.New(msg)}
}

func errorMessage(body []byte) string {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return msg
}

func transportError(op string, err error) *visits.Error {
	return &visits.Error{Kind: visits.KindTransport, Op: op, Err: err}
}

func decodeError(op string, err error) *visits.Error {
	return &visits.Error{Kind: visits.KindTransport, Op: op, Err: fmt.Errorf("decode response: %w", err)}
}
