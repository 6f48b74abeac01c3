package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"kvadmin/internal/models"
)

func TestBuildListQueryDefaults(t *testing.T) {
	sql, args := buildListQuery(models.JobQuery{})
	assert.Equal(t, "SELECT "+jobColumns+" FROM jobs ORDER BY started_at DESC, id ASC", sql)
	assert.Empty(t, args)
}

func TestBuildListQueryFilters(t *testing.T) {
	failed := models.StatusFailed
	op := models.OpDelete
	ns := "ns1"
	minErrs := 1
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	sql, args := buildListQuery(models.JobQuery{
		Status:      &failed,
		Operation:   &op,
		Namespace:   &ns,
		IDContains:  "abc",
		MinErrors:   &minErrs,
		StartedFrom: &from,
		SortBy:      "errors",
		SortOrder:   "asc",
		Limit:       20,
		Offset:      40,
	})

	assert.Contains(t, sql, "status = $1")
	assert.Contains(t, sql, "operation_type = $2")
	assert.Contains(t, sql, "namespace_id = $3")
	assert.Contains(t, sql, "id LIKE $4")
	assert.Contains(t, sql, "errors >= $5")
	assert.Contains(t, sql, "started_at >= $6")
	assert.Contains(t, sql, "ORDER BY errors ASC, id ASC")
	assert.Contains(t, sql, "LIMIT $7")
	assert.Contains(t, sql, "OFFSET $8")
	assert.Equal(t, []any{"failed", "delete", "ns1", "%abc%", 1, from, 20, 40}, args)
}

func TestBuildListQueryRejectsUnknownSortColumn(t *testing.T) {
	sql, _ := buildListQuery(models.JobQuery{SortBy: "owner; DROP TABLE jobs"})
	assert.Contains(t, sql, "ORDER BY started_at DESC")
}

func TestBuildCountQueryIgnoresPagination(t *testing.T) {
	failed := models.StatusFailed
	sql, args := buildCountQuery(models.JobQuery{Status: &failed, Limit: 5, Offset: 10})
	assert.Equal(t, "SELECT COUNT(*) FROM jobs WHERE status = $1", sql)
	assert.Equal(t, []any{"failed"}, args)
}
