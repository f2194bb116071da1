package search

import (
	"encoding/base64"
	"encoding/json"

	"github.com/carevault/carevault/internal/model"
	"github.com/carevault/carevault/internal/storage"
)

// Page tokens are opaque to clients: a base64url-encoded JSON keyset position.
// A token stays valid across concurrent writes because it names a position in
// the sort order, not an offset.

func EncodePageToken(c *storage.PageCursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func DecodePageToken(token string) (*storage.PageCursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, model.MalformedQueryErr("_pageToken", "invalid page token")
	}
	var c storage.PageCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, model.MalformedQueryErr("_pageToken", "invalid page token")
	}
	return &c, nil
}

func EncodeCompartmentToken(c *storage.CompartmentCursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func DecodeCompartmentToken(token string) (*storage.CompartmentCursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, model.MalformedQueryErr("_pageToken", "invalid page token")
	}
	var c storage.CompartmentCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, model.MalformedQueryErr("_pageToken", "invalid page token")
	}
	return &c, nil
}
