package tracker

import (
	"errors"
	"fmt"

	"tracklog/internal/store"
)

var (
	// ErrExcludedRequest marks a request dropped by the exclusion rules.
	ErrExcludedRequest = errors.New("tracking request excluded")
	// ErrMalformedConversionRequest marks a manual conversion for a goal the
	// site does not have.
	ErrMalformedConversionRequest = errors.New("conversion request for an unknown goal")
)

// VisitorNotFoundError reports that the visit a request was matched to could
// not be updated, because it was deleted or the update changed nothing.
type VisitorNotFoundError struct {
	IDVisit   int64
	IDVisitor []byte
}

func (e *VisitorNotFoundError) Error() string {
	return fmt.Sprintf("visit %d of visitor %s not found", e.IDVisit, store.Hex(e.IDVisitor))
}
