package store

import (
	"fmt"
	"strings"

	"kvadmin/internal/models"
)

const jobColumns = "id, operation_type, namespace_id, status, total, processed, errors, current_key, owner, params, result, error, started_at, completed_at"

// buildListQuery turns a JobQuery into a SELECT statement plus its arguments.
// All filters are AND-ed; ordering always tie-breaks on job id so a fixed
// sort key yields a stable page sequence.
func buildListQuery(q models.JobQuery) (string, []any) {
	where, args := buildFilter(q)

	var b strings.Builder
	b.WriteString("SELECT " + jobColumns + " FROM jobs")
	b.WriteString(where)
	b.WriteString(" ORDER BY " + sortColumn(q.SortBy) + " " + sortDirection(q.SortOrder) + ", id ASC")

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

// buildCountQuery counts all matches regardless of pagination.
func buildCountQuery(q models.JobQuery) (string, []any) {
	where, args := buildFilter(q)
	return "SELECT COUNT(*) FROM jobs" + where, args
}

func buildFilter(q models.JobQuery) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if q.Status != nil {
		add("status = $%d", string(*q.Status))
	}
	if q.Operation != nil {
		add("operation_type = $%d", string(*q.Operation))
	}
	if q.Namespace != nil {
		add("namespace_id = $%d", *q.Namespace)
	}
	if q.IDContains != "" {
		add("id LIKE $%d", "%"+q.IDContains+"%")
	}
	if q.MinErrors != nil {
		add("errors >= $%d", *q.MinErrors)
	}
	if q.StartedFrom != nil {
		add("started_at >= $%d", *q.StartedFrom)
	}
	if q.StartedTo != nil {
		add("started_at <= $%d", *q.StartedTo)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func sortColumn(by string) string {
	switch by {
	case "completed_at", "errors", "processed", "status", "operation_type":
		return by
	default:
		return "started_at"
	}
}

func sortDirection(order string) string {
	if order == "asc" {
		return "ASC"
	}
	return "DESC"
}
