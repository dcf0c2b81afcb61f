// Package httptransport is the thin net/http.Handler spec.md §6 calls the
// "HTTP surface (optional)": GET /<resource> for queries, POST
// /<resource>/<procedure> for mutations. The HTTP framework itself is out
// of scope (spec.md §1); this handler's request/response mapping is in
// scope and modeled on the teacher's internal/server/server.go
// (Options/Option functional options, CORS, writeJSON, eventbus
// Start/Finish wrapping around ServeHTTP).
package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/livesync/engine/internal/errs"
	"github.com/livesync/engine/internal/eventbus"
	"github.com/livesync/engine/internal/events"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/reqid"
	"github.com/livesync/engine/internal/router"
	"github.com/livesync/engine/internal/server"
	"github.com/livesync/engine/internal/transport"
)

// Options configures a Handler, mirroring the teacher's server.Options.
type Options struct {
	// Timeout bounds request handling when the incoming context carries no
	// deadline of its own. 0 disables the default.
	Timeout time.Duration

	// Pretty enables indented JSON responses.
	Pretty bool

	// MaxBodyBytes limits request bodies. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration; AllowedOrigins empty disables CORS headers.
	CORS CORSOptions
}

// CORSOptions holds simple CORS settings, identical in shape to the
// teacher's.
type CORSOptions struct {
	AllowedOrigins []string
}

// Option mutates Options.
type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}

// Handler is an http.Handler fronting a *server.Server.
type Handler struct {
	srv *server.Server
	opt Options
}

// New builds a Handler serving srv's registered resources.
func New(srv *server.Server, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{srv: srv, opt: op}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}
	ctx, _ = reqid.NewContext(ctx)

	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Method: r.Method, Path: r.URL.Path})
	status := http.StatusOK
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Method: r.Method, Path: r.URL.Path, Status: status, Duration: time.Since(start)})
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	resource, procedure, ok := splitPath(r.URL.Path)
	if !ok {
		status = http.StatusNotFound
		h.writeError(w, status, errs.InvalidResource("malformed path %q", r.URL.Path))
		return
	}

	var resp *router.Response
	var err error
	switch {
	case r.Method == http.MethodGet && procedure == "":
		resp, err = h.handleQuery(ctx, resource, r)
	case r.Method == http.MethodPost && procedure != "":
		resp, err = h.handleMutation(ctx, resource, procedure, r)
	default:
		// spec.md §6: "Unsupported methods return NOT_FOUND."
		status = http.StatusNotFound
		h.writeError(w, status, errs.New(errs.CodeNotFound, "unsupported method %s for %s", r.Method, r.URL.Path))
		return
	}
	if err != nil {
		status = statusFor(err)
		h.writeError(w, status, err)
		return
	}
	h.writeData(w, status, resp)
}

func (h *Handler) handleQuery(ctx context.Context, resource string, r *http.Request) (*router.Response, error) {
	q := r.URL.Query()

	var where query.WhereClause
	if raw := q.Get("where"); raw != "" {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, errs.InvalidQuery("malformed where: %s", err)
		}
		where = query.WhereClause(transport.NormalizeNulls(decoded).(map[string]any))
	}

	var include query.IncludeClause
	if raw := q.Get("include"); raw != "" {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, errs.InvalidQuery("malformed include: %s", err)
		}
		include = query.IncludeClause(transport.NormalizeNulls(decoded).(map[string]any))
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errs.InvalidQuery("malformed limit: %s", err)
		}
		limit = n
	}

	return h.srv.HandleQuery(ctx, &router.Request{
		Kind:     router.KindQuery,
		Resource: resource,
		Where:    where,
		Include:  include,
		Limit:    limit,
	})
}

// mutationBody is the POST /<resource>/<procedure> body shape spec.md §6
// describes: `{ resourceId?, payload, meta }`.
type mutationBody struct {
	ResourceID string         `json:"resourceId"`
	Payload    map[string]any `json:"payload"`
	Meta       struct {
		Timestamp string `json:"timestamp"`
	} `json:"meta"`
}

func (h *Handler) handleMutation(ctx context.Context, resource, procedure string, r *http.Request) (*router.Response, error) {
	reader := io.Reader(r.Body)
	if h.opt.MaxBodyBytes > 0 {
		reader = io.LimitReader(r.Body, h.opt.MaxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, errs.InvalidRequest("failed to read body: %s", err)
	}
	defer r.Body.Close()
	if h.opt.MaxBodyBytes > 0 && int64(len(body)) > h.opt.MaxBodyBytes {
		return nil, errs.InvalidRequest("body exceeds maximum size")
	}

	var mb mutationBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &mb); err != nil {
			return nil, errs.InvalidRequest("malformed body: %s", err)
		}
	}
	fields, err := transport.EncodeFields(mb.Payload, mb.Meta.Timestamp)
	if err != nil {
		return nil, errs.InvalidRequest("malformed payload: %s", err)
	}

	req := &router.Request{
		Resource: resource,
		ID:       mb.ResourceID,
		Fields:   fields,
	}
	switch procedure {
	case "INSERT":
		req.Kind = router.KindInsert
	case "UPDATE":
		req.Kind = router.KindUpdate
	default:
		req.Kind = router.KindCustomMutation
		req.MutationName = procedure
		req.Args = fields
	}
	return h.srv.HandleMutation(ctx, req)
}

func (h *Handler) writeData(w http.ResponseWriter, status int, resp *router.Response) {
	if resp.Records != nil {
		writeJSON(w, status, map[string]any{"data": resp.Records}, h.opt.Pretty)
		return
	}
	// resp.Accepted is nil both for a fully-stale mutation (spec.md §7:
	// "success with acceptedValues=null") and for a custom mutation (which
	// has no accepted-fields concept of its own); encoding/json renders a
	// nil map as JSON null either way.
	writeJSON(w, status, map[string]any{"data": resp.Record, "acceptedValues": resp.Accepted}, h.opt.Pretty)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	if e, ok := errs.As(err); ok {
		writeJSON(w, status, map[string]any{"message": e.Message, "code": e.Code, "details": e.Details}, h.opt.Pretty)
		return
	}
	writeJSON(w, status, map[string]any{"message": err.Error(), "code": errs.CodeInternal}, h.opt.Pretty)
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

// statusFor maps errs.Code onto the HTTP status the teacher's
// language.Error → specError translation demonstrates for GraphQL errors,
// generalized to the codes spec.md §6 names.
func statusFor(err error) int {
	e, ok := errs.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case errs.CodeInvalidQuery, errs.CodeInvalidRequest, errs.CodeInvalidResource:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeUnauthorized:
		return http.StatusUnauthorized
	case errs.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// splitPath parses "/<resource>" or "/<resource>/<procedure>" into its
// parts. ok is false for any other shape (empty, trailing slash, deeper
// nesting).
func splitPath(path string) (resource, procedure string, ok bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.Split(trimmed, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", true
	case 2:
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
