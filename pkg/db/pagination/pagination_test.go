package pagination

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	at time.Time
	id snowflake.ID
}

func key(r row) (time.Time, snowflake.ID) { return r.at, r.id }

func TestPagination_Size(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Size())
	assert.Equal(t, 10, Pagination{PageSize: 10}.Size())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 10000}.Size())
}

func TestPage_TokenResumesAfterLastRow(t *testing.T) {
	base := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	rows := []row{{base.Add(2 * time.Minute), 3}, {base.Add(time.Minute), 2}, {base, 1}}
	scope := Scope("invoice.sent", "", "")

	page, info, err := Page(rows, 2, scope, key)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.True(t, info.HasMore)
	assert.NotContains(t, info.NextPageToken, "+")
	assert.NotContains(t, info.NextPageToken, "/")

	cursor, err := Decode(info.NextPageToken, scope)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(2), cursor.ID)
	assert.True(t, cursor.CreatedAt.Equal(base.Add(time.Minute)))
}

func TestPage_LastPageHasNoToken(t *testing.T) {
	page, info, err := Page([]row{{time.Now(), 1}}, 2, "", key)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestDecode_RejectsForeignOrBrokenTokens(t *testing.T) {
	token, err := Encode(Cursor{CreatedAt: time.Now(), ID: 7, Scope: Scope("a")})
	require.NoError(t, err)

	_, err = Decode(token, Scope("b"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Decode("not-base64!!", Scope("a"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	empty, err := Encode(Cursor{Scope: Scope("a")})
	require.NoError(t, err)
	_, err = Decode(empty, Scope("a"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}
