// Package dispatcher implements the Public Request Dispatcher: the HTTP
// handler that parses /{client_id}/{path...}, runs access control,
// forwards the request over the client's tunnel session, and reconstructs
// the HTTP response (or times out).
package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/svnoak/yats/fserrors"
	"github.com/svnoak/yats/internal/access"
	"github.com/svnoak/yats/internal/contextutil"
	"github.com/svnoak/yats/internal/pending"
	"github.com/svnoak/yats/internal/registry"
	"github.com/svnoak/yats/internal/wire"
	"github.com/svnoak/yats/observability"
)

// responseTimeout is the wall-clock deadline a dispatched request waits
// for its reply before the caller receives a 504.
const responseTimeout = 30 * time.Second

// Dispatcher is the http.Handler serving the public tunneled surface.
type Dispatcher struct {
	registry *registry.Registry
	pending  *pending.Table
	resolver access.ASNResolver
	observer observability.TunnelObserver
	logger   interface{ Printf(string, ...any) }
	now      func() time.Time
}

// Config bundles the dependencies the dispatcher is built from.
type Config struct {
	Registry *registry.Registry
	Pending  *pending.Table
	Resolver access.ASNResolver
	Observer observability.TunnelObserver
	Logger   interface{ Printf(string, ...any) }
}

// New builds a Dispatcher.
func New(cfg Config) *Dispatcher {
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopTunnelObserver
	}
	return &Dispatcher{
		registry: cfg.Registry,
		pending:  cfg.Pending,
		resolver: cfg.Resolver,
		observer: obs,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// ServeHTTP implements the public request surface: <any method> /{client_id}
// and /{client_id}/{path...}.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID, forwardPath, ok := splitClientPath(r.URL.Path)
	if !ok {
		d.fail(w, http.StatusBadRequest, observability.DispatchResultForwardFailed,
			fserrors.Wrap(fserrors.StageDispatch, fserrors.CodeInvalidRequest, nil),
			"missing client_id in path")
		return
	}

	sess, found := d.registry.Lookup(clientID)
	if !found {
		d.fail(w, http.StatusNotFound, observability.DispatchResultNoSuchClient,
			fserrors.Wrap(fserrors.StageDispatch, fserrors.CodeNoSuchClient, nil),
			"client not connected")
		return
	}

	remoteIP := resolveRemoteIP(r)

	if err := access.Evaluate(sess.AllowList(), remoteIP, forwardPath, d.resolver); err != nil {
		d.respondAccessControlFailure(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		d.fail(w, http.StatusInternalServerError, observability.DispatchResultForwardFailed,
			fserrors.Wrap(fserrors.StageDispatch, fserrors.CodeForwardFailed, err),
			"failed to read request body")
		return
	}

	requestID := uuid.NewString()
	envelope := wire.TunneledRequest{
		ID:          requestID,
		Method:      r.Method,
		Path:        forwardPath,
		Headers:     flattenHeaders(r.Header),
		QueryParams: flattenQuery(r.URL.Query()),
		Body:        wire.EncodeBody(body),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		d.fail(w, http.StatusInternalServerError, observability.DispatchResultForwardFailed,
			fserrors.Wrap(fserrors.StageDispatch, fserrors.CodeForwardFailed, err),
			"failed to serialize request")
		return
	}

	slot := d.pending.Insert(requestID)
	d.observer.PendingCount(d.pending.Len())

	ctx, cancel := contextutil.WithTimeout(r.Context(), responseTimeout)
	defer cancel()

	if err := sess.Enqueue(ctx, requestID, payload); err != nil {
		d.pending.Take(requestID)
		d.observer.PendingCount(d.pending.Len())
		d.fail(w, http.StatusInternalServerError, observability.DispatchResultForwardFailed,
			fserrors.Wrap(fserrors.StageDispatch, fserrors.CodeForwardFailed, err),
			"failed to forward request to client")
		return
	}

	start := d.now()
	select {
	case resp := <-slot.C():
		d.observer.DispatchLatency(d.now().Sub(start))
		d.writeResponse(w, resp)
	case <-ctx.Done():
		d.observer.DispatchLatency(d.now().Sub(start))
		d.pending.Take(requestID)
		d.observer.PendingCount(d.pending.Len())
		d.fail(w, http.StatusGatewayTimeout, observability.DispatchResultTimedOut,
			fserrors.Wrap(fserrors.StageDispatch, fserrors.CodeForwardTimedOut, ctx.Err()),
			"request to client timed out")
	}
}

// fail records the observer event, logs the structured error (if a logger
// is configured), and writes the public-facing HTTP response. publicMsg is
// intentionally generic: err's detail is for operators, not public clients.
func (d *Dispatcher) fail(w http.ResponseWriter, status int, result observability.DispatchResult, err error, publicMsg string) {
	d.observer.Dispatch(result)
	if d.logger != nil && err != nil {
		d.logger.Printf("dispatch: %v", err)
	}
	http.Error(w, publicMsg, status)
}

// respondAccessControlFailure maps an access.Evaluate failure to its
// mandated HTTP status (spec §7) and observer event. A disallowed path is
// given the same status and response body as a missing client (the
// registry.Lookup miss above), preventing path enumeration; this function
// only handles failures that came back from Evaluate itself.
func (d *Dispatcher) respondAccessControlFailure(w http.ResponseWriter, err error) {
	var fe *fserrors.Error
	status := http.StatusInternalServerError
	result := observability.DispatchResultForwardFailed
	publicMsg := ""
	if errors.As(err, &fe) {
		switch fe.Code {
		case fserrors.CodeIPNotAllowed:
			status, result = http.StatusForbidden, observability.DispatchResultIPNotAllowed
		case fserrors.CodePathNotAllowed:
			status, result = http.StatusNotFound, observability.DispatchResultPathNotAllowed
			publicMsg = "client not connected"
		case fserrors.CodeASNNotAllowed:
			status, result = http.StatusForbidden, observability.DispatchResultASNNotAllowed
		case fserrors.CodeASNLookupFailed:
			status, result = http.StatusNotFound, observability.DispatchResultASNLookupFail
		}
	}
	if publicMsg == "" {
		publicMsg = http.StatusText(status)
	}
	d.fail(w, status, result, err, publicMsg)
}

func (d *Dispatcher) writeResponse(w http.ResponseWriter, resp wire.TunneledResponse) {
	status := resp.Status
	if status < 100 || status > 599 {
		d.fail(w, http.StatusInternalServerError, observability.DispatchResultBadResponse,
			fserrors.Wrap(fserrors.StageDispatch, fserrors.CodeBadResponse,
				fmt.Errorf("response %s: out-of-range status %d", resp.ID, status)),
			"invalid response status from client")
		return
	}
	var body []byte
	if resp.Body != nil {
		decoded, err := wire.DecodeBody(*resp.Body)
		if err != nil {
			d.fail(w, http.StatusInternalServerError, observability.DispatchResultBadResponse,
				fserrors.Wrap(fserrors.StageDispatch, fserrors.CodeBadResponse,
					fmt.Errorf("response %s: invalid body encoding: %w", resp.ID, err)),
				"invalid response body from client")
			return
		}
		body = decoded
	}
	header := w.Header()
	for k, v := range resp.Headers {
		if !validHeaderName(k) || !validHeaderValue(v) {
			continue
		}
		header.Set(k, v)
	}
	d.observer.Dispatch(observability.DispatchResultOK)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// splitClientPath splits "/{client_id}/{path...}" into its client id and
// forward path. forward_path is "" for "/{client_id}" and "/x" for
// "/{client_id}/x".
func splitClientPath(urlPath string) (clientID, forwardPath string, ok bool) {
	trimmed := strings.TrimPrefix(urlPath, "/")
	if trimmed == "" {
		return "", "", false
	}
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		clientID = trimmed
		forwardPath = ""
	} else {
		clientID = trimmed[:idx]
		forwardPath = "/" + trimmed[idx+1:]
	}
	if clientID == "" {
		return "", "", false
	}
	return clientID, forwardPath, true
}

// resolveRemoteIP resolves the client IP: X-Forwarded-For's first entry if
// present and parseable, otherwise the peer socket address. A malformed
// header falls back to the peer address rather than failing the request.
func resolveRemoteIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[len(v)-1] // last-write-wins on duplicates.
		}
	}
	return out
}

func flattenQuery(q map[string][]string) map[string]string {
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0] // first occurrence if repeated.
		}
	}
	return out
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c == ':' || c > '~' {
			return false
		}
	}
	return true
}

func validHeaderValue(v string) bool {
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0 {
			return false
		}
	}
	return true
}
