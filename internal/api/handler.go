// Package api exposes the resource store over a FHIR-style REST surface:
// type-level CRUD and search, per-resource history, the compartment
// $everything operation, and batch/transaction bundles at the root.
package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carevault/carevault/internal/codec"
	"github.com/carevault/carevault/internal/engine"
	"github.com/carevault/carevault/internal/model"
)

type Handler struct {
	eng *engine.Engine
	log zerolog.Logger
}

func NewHandler(eng *engine.Engine, log zerolog.Logger) *Handler {
	return &Handler{eng: eng, log: log}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/", h.Bundle)
	e.POST("/$reindex", h.Reindex)

	e.POST("/:type", h.Create)
	e.GET("/:type", h.Search)
	e.POST("/:type/_search", h.SearchPost)
	e.GET("/:type/:id", h.Read)
	e.PUT("/:type/:id", h.Update)
	e.DELETE("/:type/:id", h.Delete)
	e.GET("/:type/:id/_history", h.History)
	e.GET("/:type/:id/_history/:vid", h.VRead)
	e.GET("/:type/:id/$everything", h.Everything)
}

func etag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// parseIfMatch returns the expected version from an If-Match header, 0 when
// the header is absent (unconditional).
func parseIfMatch(c echo.Context) (int, error) {
	raw := c.Request().Header.Get("If-Match")
	if raw == "" {
		return 0, nil
	}
	v := strings.TrimPrefix(raw, "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, model.ValidationErr("If-Match", fmt.Sprintf("invalid entity tag %q", raw))
	}
	return n, nil
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, model.ValidationErr("", "unreadable request body")
	}
	if len(body) == 0 {
		return nil, model.ValidationErr("", "empty request body")
	}
	return body, nil
}

func (h *Handler) Create(c echo.Context) error {
	resourceType := c.Param("type")
	body, err := readBody(c)
	if err != nil {
		return writeError(c, err)
	}
	content, err := codec.Decode(resourceType, body)
	if err != nil {
		return writeError(c, err)
	}
	r, err := h.eng.Create(c.Request().Context(), resourceType, content)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("Location", "/"+r.Type+"/"+r.ID+"/_history/1")
	c.Response().Header().Set("ETag", etag(r.VersionID))
	return c.JSON(http.StatusCreated, codec.Encode(r))
}

func (h *Handler) Read(c echo.Context) error {
	r, err := h.eng.Read(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("ETag", etag(r.VersionID))
	return c.JSON(http.StatusOK, codec.Encode(r))
}

func (h *Handler) VRead(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid <= 0 {
		return writeError(c, model.ValidationErr("versionId", fmt.Sprintf("invalid version %q", c.Param("vid"))))
	}
	r, err := h.eng.VRead(c.Request().Context(), resourceType, id, vid)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("ETag", etag(r.VersionID))
	return c.JSON(http.StatusOK, codec.Encode(r))
}

func (h *Handler) Update(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	expected, err := parseIfMatch(c)
	if err != nil {
		return writeError(c, err)
	}
	body, err := readBody(c)
	if err != nil {
		return writeError(c, err)
	}
	content, err := codec.Decode(resourceType, body)
	if err != nil {
		return writeError(c, err)
	}
	r, err := h.eng.Update(c.Request().Context(), resourceType, id, content, expected)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("ETag", etag(r.VersionID))
	return c.JSON(http.StatusOK, codec.Encode(r))
}

func (h *Handler) Delete(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	expected, err := parseIfMatch(c)
	if err != nil {
		return writeError(c, err)
	}
	forced := c.QueryParam("force") == "true"
	r, err := h.eng.Delete(c.Request().Context(), resourceType, id, expected, forced)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("ETag", etag(r.VersionID))
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) History(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	limit, offset := 0, 0
	if raw := c.QueryParam("_count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return writeError(c, model.MalformedQueryErr("_count", fmt.Sprintf("invalid page size %q", raw)))
		}
		limit = n
	}
	if raw := c.QueryParam("_offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return writeError(c, model.MalformedQueryErr("_offset", fmt.Sprintf("invalid offset %q", raw)))
		}
		offset = n
	}
	page, err := h.eng.History(c.Request().Context(), resourceType, id, limit, offset)
	if err != nil {
		return writeError(c, err)
	}
	entries := make([]any, 0, len(page.Entries))
	for _, r := range page.Entries {
		entry := map[string]any{"resource": codec.Encode(r)}
		if r.Deleted {
			entry["request"] = map[string]any{"method": "DELETE", "url": r.Type + "/" + r.ID}
		}
		entries = append(entries, entry)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"resourceType": "Bundle",
		"type":         "history",
		"total":        page.Total,
		"entry":        entries,
	})
}

func (h *Handler) Search(c echo.Context) error {
	return h.search(c, c.QueryParams())
}

// SearchPost accepts search parameters as a form body. Form parsing already
// folds the query string in.
func (h *Handler) SearchPost(c echo.Context) error {
	params, err := c.FormParams()
	if err != nil {
		return writeError(c, model.MalformedQueryErr("", "unreadable form body"))
	}
	return h.search(c, params)
}

func (h *Handler) search(c echo.Context, params url.Values) error {
	res, err := h.eng.Search(c.Request().Context(), c.Param("type"), params)
	if err != nil {
		return writeError(c, err)
	}
	entries := make([]any, 0, len(res.Resources)+len(res.Included))
	for _, r := range res.Resources {
		entries = append(entries, map[string]any{
			"resource": codec.Encode(r),
			"search":   map[string]any{"mode": "match"},
		})
	}
	for _, r := range res.Included {
		entries = append(entries, map[string]any{
			"resource": codec.Encode(r),
			"search":   map[string]any{"mode": "include"},
		})
	}
	bundle := map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"entry":        entries,
		"link":         pageLinks(c, res.NextToken),
	}
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) Everything(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if resourceType != h.eng.Snapshot().CompartmentType {
		return writeError(c, model.NotFoundErr(resourceType, id))
	}
	page, err := h.eng.Everything(c.Request().Context(), id, c.QueryParams())
	if err != nil {
		return writeError(c, err)
	}
	entries := make([]any, 0, len(page.Resources))
	for _, r := range page.Resources {
		entries = append(entries, map[string]any{"resource": codec.Encode(r)})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"entry":        entries,
		"link":         pageLinks(c, page.NextToken),
	})
}

func (h *Handler) Reindex(c echo.Context) error {
	n, err := h.eng.Reindex(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"indexed": n})
}

// pageLinks renders the self link and, when more results exist, a next link
// with the continuation token swapped into the current URL.
func pageLinks(c echo.Context, nextToken string) []any {
	self := *c.Request().URL
	links := []any{map[string]any{"relation": "self", "url": self.String()}}
	if nextToken == "" {
		return links
	}
	next := self
	q := next.Query()
	q.Set("_pageToken", nextToken)
	next.RawQuery = q.Encode()
	links = append(links, map[string]any{"relation": "next", "url": next.String()})
	return links
}
