package store

import (
	"context"

	"github.com/hadv/NebulaStore-sub007/models"
)

// Query reads oid's record and deserializes it through the TypeHandler
// registered for the record's stored tid, giving back a live Go value
// instead of the raw body Read returns. Each embedded OID placeholder
// the handler decodes triggers one recursive Query call to resolve it,
// so the whole object graph reachable from oid is read eagerly; callers
// that only want oid's own fields should have their handler return a
// lazy proxy instead of resolving eagerly in ReadBody.
func (s *Store) Query(ctx context.Context, oid models.OID) (interface{}, error) {
	if !oid.Valid() {
		return nil, models.NewError(models.KindNotFound, "store.query", "nil oid", models.ErrNotFound)
	}
	if s.handlers == nil {
		return nil, models.NewError(models.KindConfig, "store.query", "no type handler registry configured", nil)
	}

	ch := s.channelFor(oid)
	entry, ok := ch.Index.Get(oid)
	if !ok {
		return nil, models.NewError(models.KindNotFound, "store.query", oid.String(), models.ErrNotFound)
	}
	handler, ok := s.handlers.HandlerForTID(entry.TID)
	if !ok {
		return nil, models.NewError(models.KindConfig, "store.query", "no handler registered for tid "+entry.TID.String(), nil)
	}

	body, err := s.Read(ctx, oid)
	if err != nil {
		return nil, err
	}
	return handler.ReadBody(body, func(ref models.OID) (interface{}, error) {
		return s.Query(ctx, ref)
	})
}

// QueryRoot is a convenience for Query(ctx, s.Root()); it returns
// models.ErrNotFound wrapped in a StoreError if the store has never had
// a root assigned.
func (s *Store) QueryRoot(ctx context.Context) (interface{}, error) {
	return s.Query(ctx, s.Root())
}
