// Package crud generates chi route handlers implementing
// list/get/create/update/delete semantics for a model struct, with optional
// per-operation role checks. The caller supplies a model type, request
// schemas, a Store implementation, and mounts the result under a path prefix.
package crud

import (
	"context"
	"net/http"
)

// Op names a generated CRUD operation. Used as RoleMap keys.
type Op string

const (
	OpList   Op = "list"
	OpGet    Op = "get"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// RoleMap is a per-operation authorization allow-list. An operation without
// an entry is unrestricted; an operation with an entry denies every caller
// whose role is absent from the set.
type RoleMap map[Op][]string

// Allows reports whether a caller with the given role may perform op.
// hasRole is false when no role could be determined for the caller.
func (m RoleMap) Allows(op Op, role string, hasRole bool) bool {
	allowed, restricted := m[op]
	if !restricted {
		return true
	}
	if !hasRole {
		return false
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// Restricts reports whether op carries a role restriction.
func (m RoleMap) Restricts(op Op) bool {
	_, ok := m[op]
	return ok
}

// RoleGetter extracts the caller's role from the request. It returns false
// when the caller has no role, which always fails a restricted operation.
// This is the only way the generator learns about roles, keeping it decoupled
// from any specific authentication mechanism.
type RoleGetter func(r *http.Request) (string, bool)

// ListParams carries pagination, ordering and filtering for list queries.
type ListParams struct {
	Page      int
	PerPage   int
	OrderBy   string
	OrderDesc bool
	// Filters holds equality filters keyed by model field name. Values are
	// the raw query-string representations; stores convert them to the
	// column type.
	Filters map[string]string
}

// Offset returns the row offset for the current page.
func (p ListParams) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// Store provides persistence for one model type. Implementations acquire and
// release any underlying session per call; nothing is shared across requests.
//
// Get, Update and Delete return an error wrapping httpx.ErrNotFound when no
// row exists at the given key. Create and Update return an error wrapping
// httpx.ErrDuplicate on uniqueness violations.
type Store[M any] interface {
	List(ctx context.Context, params ListParams) (items []M, total int, err error)
	Get(ctx context.Context, id int64) (M, error)
	Create(ctx context.Context, model M) (M, error)
	Update(ctx context.Context, id int64, model M) (M, error)
	Delete(ctx context.Context, id int64) error
}

// ListCache caches serialized list responses. Implementations are expected
// to be safe for concurrent use. Misses and backend failures are reported as
// absent entries; the generator falls back to the store.
type ListCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, payload []byte)
	// Bust invalidates every cached list for the named resource.
	Bust(ctx context.Context, resource string)
}
