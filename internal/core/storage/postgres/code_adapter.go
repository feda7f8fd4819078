package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
)

const maxCodeAllocationAttempts = 5

// CodeAdapter implements storage.CodeStore using PostgreSQL.
type CodeAdapter struct {
	db *sql.DB
}

var _ storage.CodeStore = (*CodeAdapter)(nil)

// NewCodeAdapter creates a CodeAdapter sharing the given connection.
func NewCodeAdapter(db *sql.DB) *CodeAdapter {
	return &CodeAdapter{db: db}
}

func (a *CodeAdapter) LoadStateCodes(ctx context.Context) ([]storage.StateCode, error) {
	return a.loadCodes(ctx, queryLoadStateCodes)
}

func (a *CodeAdapter) LoadScopeCodes(ctx context.Context, scope transition.Scope) ([]storage.StateCode, error) {
	return a.loadCodes(ctx, queryLoadScopeStateCodes, scope.ServiceID, scope.ObjectType, scope.Attribute)
}

func (a *CodeAdapter) loadCodes(ctx context.Context, query string, args ...any) ([]storage.StateCode, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load state codes: %w", err)
	}
	defer rows.Close()

	var out []storage.StateCode
	for rows.Next() {
		var sc storage.StateCode
		if err := rows.Scan(&sc.Scope.ServiceID, &sc.Scope.ObjectType, &sc.Scope.Attribute, &sc.State, &sc.Code); err != nil {
			return nil, fmt.Errorf("load state codes: scan row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load state codes: iterate rows: %w", err)
	}
	return out, nil
}

// AllocateStateCode returns the existing code or inserts MAX(code)+1 for the scope.
// Losing a race on either unique constraint re-reads and retries.
func (a *CodeAdapter) AllocateStateCode(ctx context.Context, scope transition.Scope, state string) (int, error) {
	args := []any{scope.ServiceID, scope.ObjectType, scope.Attribute, state}

	for attempt := 1; attempt <= maxCodeAllocationAttempts; attempt++ {
		var code int
		err := a.db.QueryRowContext(ctx, querySelectStateCode, args...).Scan(&code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("select state code: %w", err)
		}

		err = a.db.QueryRowContext(ctx, queryAllocateStateCode, args...).Scan(&code)
		switch {
		case err == nil:
			return code, nil
		case errors.Is(err, sql.ErrNoRows):
			// Same state inserted concurrently; the next select finds it.
			continue
		case isUniqueViolation(err):
			slog.Debug("[CodeAdapter] State code collision, retrying",
				"service", scope.ServiceID,
				"object_type", scope.ObjectType,
				"state", state,
				"attempt", attempt)
			continue
		default:
			return 0, fmt.Errorf("allocate state code: %w", err)
		}
	}
	return 0, fmt.Errorf("allocate state code %q: gave up after %d attempts", state, maxCodeAllocationAttempts)
}
