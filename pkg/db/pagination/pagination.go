// Package pagination implements keyset page tokens for listings sorted by (created_at DESC, id DESC).
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

var ErrInvalidToken = errors.New("invalid_page_token")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Size clamps the requested page size into [1, MaxPageSize]; zero means DefaultPageSize.
func (p Pagination) Size() int {
	switch {
	case p.PageSize <= 0:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return p.PageSize
	}
}

// Cursor is the sort key of the last row served. Scope ties the token to the filters
// of the listing that issued it.
type Cursor struct {
	CreatedAt time.Time    `json:"t"`
	ID        snowflake.ID `json:"id"`
	Scope     string       `json:"s,omitempty"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

// Scope fingerprints the filter values of a listing.
func Scope(filters ...string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(filters, "\x00")))
	return strconv.FormatUint(h.Sum64(), 36)
}

func Encode(c Cursor) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Decode parses token and rejects tokens issued for a different scope.
func Decode(token, scope string) (Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return Cursor{}, ErrInvalidToken
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, ErrInvalidToken
	}
	if c.ID == 0 || c.CreatedAt.IsZero() || c.Scope != scope {
		return Cursor{}, ErrInvalidToken
	}
	return c, nil
}

// Page trims rows fetched with limit size+1 to size and builds the token for the next page.
func Page[T any](rows []T, size int, scope string, key func(T) (time.Time, snowflake.ID)) ([]T, PageInfo, error) {
	if len(rows) <= size {
		return rows, PageInfo{}, nil
	}
	rows = rows[:size]
	createdAt, id := key(rows[len(rows)-1])
	token, err := Encode(Cursor{CreatedAt: createdAt, ID: id, Scope: scope})
	if err != nil {
		return nil, PageInfo{}, err
	}
	return rows, PageInfo{NextPageToken: token, HasMore: true}, nil
}
