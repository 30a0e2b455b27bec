// Package gateway declares the single interface an HTTP-to-RPC gateway
// would need from this module. The gateway itself — translating REST
// requests into Frames and HTTP responses back into JSON — is explicitly
// out of scope (spec §1 "Deliberately out of scope: the HTTP gateway that
// adapts REST calls to internal RPCs"). This package exists only so that
// out-of-tree gateway code has a stable, minimal surface to depend on
// instead of reaching into client.Caller directly.
package gateway

import "time"

// HubCaller is the one method a REST-to-RPC gateway needs: issue a request
// against a named service/method and get back the raw response payload.
// client.Caller satisfies this interface; the gateway is expected to do its
// own HTTP routing, JSON (de)serialization of the outer REST envelope, and
// auth, none of which this module implements.
type HubCaller interface {
	Call(service, method string, payload []byte, timeout time.Duration) ([]byte, error)
}
