package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/carevault/carevault/internal/codec"
	"github.com/carevault/carevault/internal/engine"
	"github.com/carevault/carevault/internal/model"
)

// wireBundle is the request form of a batch or transaction bundle.
type wireBundle struct {
	ResourceType string      `json:"resourceType"`
	Type         string      `json:"type"`
	Entry        []wireEntry `json:"entry"`
}

type wireEntry struct {
	FullURL  string         `json:"fullUrl,omitempty"`
	Resource map[string]any `json:"resource,omitempty"`
	Request  *wireRequest   `json:"request"`
}

type wireRequest struct {
	Method  string `json:"method"`
	URL     string `json:"url"`
	IfMatch string `json:"ifMatch,omitempty"`
}

// Bundle executes a batch or transaction bundle posted at the root.
func (h *Handler) Bundle(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return writeError(c, err)
	}
	var b wireBundle
	if err := json.Unmarshal(body, &b); err != nil {
		return writeError(c, model.ValidationErr("", "invalid JSON: "+err.Error()))
	}
	if b.ResourceType != "Bundle" {
		return writeError(c, model.ValidationErr("resourceType", "expected a Bundle"))
	}
	if b.Type != "batch" && b.Type != "transaction" {
		return writeError(c, model.ValidationErr("type", fmt.Sprintf("unsupported bundle type %q", b.Type)))
	}

	ops := make([]engine.Op, len(b.Entry))
	parseErrs := make([]error, len(b.Entry))
	for i, entry := range b.Entry {
		op, err := parseEntry(entry)
		if err != nil {
			if b.Type == "transaction" {
				return writeError(c, model.TransactionAbortedErr(i, err))
			}
			// Batch entries fail independently; keep the parse diagnostic and
			// let the rest run.
			parseErrs[i] = err
			ops[i] = engine.Op{Method: "INVALID"}
			continue
		}
		ops[i] = op
	}

	ctx := c.Request().Context()
	if b.Type == "batch" {
		results := h.eng.ExecuteBatch(ctx, ops)
		for i, err := range parseErrs {
			if err != nil {
				results[i] = engine.EntryResult{Status: engine.EntryRejected, Err: err}
			}
		}
		return c.JSON(http.StatusOK, responseBundle("batch-response", ops, results))
	}

	results, err := h.eng.ExecuteTransaction(ctx, ops)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, responseBundle("transaction-response", ops, results))
}

// parseEntry maps one wire entry onto an engine op. The request url carries
// "Type" for POST and "Type/id" for PUT and DELETE, with an optional force
// query on deletes.
func parseEntry(entry wireEntry) (engine.Op, error) {
	if entry.Request == nil {
		return engine.Op{}, model.ValidationErr("entry", "entry has no request")
	}
	u, err := url.Parse(entry.Request.URL)
	if err != nil {
		return engine.Op{}, model.ValidationErr("entry", fmt.Sprintf("invalid request url %q", entry.Request.URL))
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	op := engine.Op{
		Method:  entry.Request.Method,
		FullURL: entry.FullURL,
	}
	switch entry.Request.Method {
	case "POST":
		if len(segments) != 1 || segments[0] == "" {
			return engine.Op{}, model.ValidationErr("entry", fmt.Sprintf("POST url must name a type, got %q", entry.Request.URL))
		}
		op.Type = segments[0]
	case "PUT", "DELETE":
		if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
			return engine.Op{}, model.ValidationErr("entry", fmt.Sprintf("%s url must be Type/id, got %q", entry.Request.Method, entry.Request.URL))
		}
		op.Type, op.ID = segments[0], segments[1]
	default:
		return engine.Op{}, model.ValidationErr("entry", fmt.Sprintf("unsupported method %q", entry.Request.Method))
	}

	if entry.Request.Method == "DELETE" {
		op.Forced = u.Query().Get("force") == "true"
	}
	if entry.Resource != nil {
		content, err := codec.DecodeContent(op.Type, entry.Resource)
		if err != nil {
			return engine.Op{}, err
		}
		op.Content = content
	}
	if entry.Request.IfMatch != "" {
		v := strings.Trim(strings.TrimPrefix(entry.Request.IfMatch, "W/"), `"`)
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return engine.Op{}, model.ValidationErr("ifMatch", fmt.Sprintf("invalid entity tag %q", entry.Request.IfMatch))
		}
		op.ExpectedVersion = n
	}
	return op, nil
}

// responseBundle renders per-entry outcomes in submission order.
func responseBundle(bundleType string, ops []engine.Op, results []engine.EntryResult) map[string]any {
	entries := make([]any, len(results))
	for i, res := range results {
		if res.Status == engine.EntryRejected {
			code := statusOf(res.Err)
			entries[i] = map[string]any{
				"response": map[string]any{
					"status":  fmt.Sprintf("%d %s", code, http.StatusText(code)),
					"outcome": outcome(res.Err),
				},
			}
			continue
		}
		r := res.Resource
		response := map[string]any{
			"status":   entryStatus(ops[i].Method),
			"etag":     etag(r.VersionID),
			"location": "/" + r.Type + "/" + r.ID + "/_history/" + strconv.Itoa(r.VersionID),
		}
		entry := map[string]any{"response": response}
		if ops[i].Method != "DELETE" {
			entry["resource"] = codec.Encode(r)
		}
		entries[i] = entry
	}
	return map[string]any{
		"resourceType": "Bundle",
		"type":         bundleType,
		"entry":        entries,
	}
}

func entryStatus(method string) string {
	switch method {
	case "POST":
		return "201 Created"
	case "DELETE":
		return "204 No Content"
	default:
		return "200 OK"
	}
}
