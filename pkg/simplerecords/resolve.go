package simplerecords

import (
	"context"
	"errors"
)

// ResolveRecord looks up the record addressed by scope. In fallback mode a
// realization without its own record sees the ensemble-wide one.
func (s *service) ResolveRecord(ctx context.Context, scope RecordScope, mode ResolveMode) (*Record, error) {
	if _, err := s.repository.GetEnsemble(ctx, scope.EnsembleID); err != nil {
		if errors.Is(err, ErrNotFound) {
			err = ErrEnsembleNotFound
		}
		return nil, newRecordError("resolve", scope.EnsembleID, scope.Name, scope.RealizationIndex, err)
	}

	rec, err := s.repository.FindRecord(ctx, scope.EnsembleID, scope.Name, scope.RealizationIndex)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if mode == ResolveFallback && scope.RealizationIndex != nil {
		rec, err = s.repository.FindRecord(ctx, scope.EnsembleID, scope.Name, nil)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	return nil, newRecordError("resolve", scope.EnsembleID, scope.Name, scope.RealizationIndex, ErrRecordNotFound)
}
