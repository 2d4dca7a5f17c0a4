// Package fallback defines the stable failure taxonomy for trust queries and
// the classifiers that map raw HTTP and contract errors onto it.
//
// The codes are part of the public API surface: clients branch on them, so
// they never change meaning. The package imports nothing from the rest of
// the module; both the trust client and the response shaper depend on it.
package fallback

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Code classifies why a source attempt failed.
type Code string

const (
	// None marks a fully successful query (fallback field is null on the wire).
	None Code = ""

	// InvalidAgentID means local validation rejected the ID before any call.
	InvalidAgentID Code = "invalid_agent_id"

	// APITimeout means an HTTP attempt was aborted by its deadline.
	APITimeout Code = "api_timeout"

	// PaymentUnavailable means the paid API answered 402 and no proof could
	// be attached.
	PaymentUnavailable Code = "payment_unavailable"

	// OracleUnavailable covers 5xx responses and anything unclassified.
	OracleUnavailable Code = "oracle_unavailable"

	// RPCUnavailable covers network, socket, and RPC transport failures on
	// the on-chain path.
	RPCUnavailable Code = "rpc_unavailable"

	// AgentNotFound means the absence of data is authoritative: HTTP 404 or
	// a contract revert for a never-written agent.
	AgentNotFound Code = "agent_not_found"
)

// Terminal reports whether a query ending on this code is a hard error
// rather than a degraded-but-retryable condition.
func (c Code) Terminal() bool {
	return c == AgentNotFound || c == InvalidAgentID
}

// ClassifyHTTP maps a failed HTTP attempt to a fallback code.
// A nil response with a deadline/cancel error is a timeout; otherwise the
// status code decides.
func ClassifyHTTP(status int, err error) Code {
	if err != nil && isAbort(err) {
		return APITimeout
	}
	switch {
	case status == http.StatusNotFound:
		return AgentNotFound
	case status == http.StatusPaymentRequired:
		return PaymentUnavailable
	case status >= http.StatusInternalServerError:
		return OracleUnavailable
	default:
		return OracleUnavailable
	}
}

// ClassifyContract maps a failed contract read to a fallback code.
func ClassifyContract(err error) Code {
	if err == nil {
		return OracleUnavailable
	}
	msg := strings.ToLower(err.Error())

	// A revert on getDetailedReport means the agent record was never written.
	if strings.Contains(msg, "call_exception") || strings.Contains(msg, "execution reverted") {
		return AgentNotFound
	}

	if isAbort(err) {
		return RPCUnavailable
	}
	for _, s := range []string{"timeout", "timed out", "network", "socket", "connect", "rpc"} {
		if strings.Contains(msg, s) {
			return RPCUnavailable
		}
	}
	return OracleUnavailable
}

func isAbort(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
