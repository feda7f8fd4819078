package postgres

import (
	"errors"

	"github.com/lib/pq"
	"github.com/omeid/pgerror"

	"github.com/aevon-lab/transitions/internal/core/storage"
)

// classify marks write-write contention as retryable. Everything else is returned as is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	if pgerror.DeadlockDetected(pqErr) != nil ||
		pgerror.SerializationFailure(pqErr) != nil ||
		pgerror.LockNotAvailable(pqErr) != nil {
		return storage.Retryable(err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pgerror.UniqueViolation(pqErr) != nil
}
