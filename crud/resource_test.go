package crud_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crudkit/crudkit/crud"
	"github.com/crudkit/crudkit/httpx"
)

type user struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Age   int    `json:"age"`
	Role  string `json:"role"`
}

type userCreate struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Age   int    `json:"age" validate:"gte=0"`
	Role  string `json:"role"`
}

func (c *userCreate) Defaults() {
	if c.Role == "" {
		c.Role = "user"
	}
}

type userUpdate struct {
	Name  *string `json:"name" validate:"omitempty,min=1"`
	Email *string `json:"email" validate:"omitempty,email"`
	Age   *int    `json:"age" validate:"omitempty,gte=0"`
	Role  *string `json:"role"`
}

// memStore keeps rows in a map and records interactions so tests can assert
// what reached the persistence layer.
type memStore struct {
	items       map[int64]user
	nextID      int64
	lastParams  crud.ListParams
	createCalls int
	listCalls   int
}

func newMemStore() *memStore {
	return &memStore{items: make(map[int64]user), nextID: 1}
}

func (s *memStore) List(_ context.Context, params crud.ListParams) ([]user, int, error) {
	s.listCalls++
	s.lastParams = params
	ids := make([]int64, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var all []user
	for _, id := range ids {
		all = append(all, s.items[id])
	}
	total := len(all)
	start := params.Offset()
	if start > total {
		start = total
	}
	end := start + params.PerPage
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *memStore) Get(_ context.Context, id int64) (user, error) {
	u, ok := s.items[id]
	if !ok {
		return user{}, fmt.Errorf("users id %d: %w", id, httpx.ErrNotFound)
	}
	return u, nil
}

func (s *memStore) Create(_ context.Context, u user) (user, error) {
	s.createCalls++
	u.ID = s.nextID
	s.nextID++
	s.items[u.ID] = u
	return u, nil
}

func (s *memStore) Update(_ context.Context, id int64, u user) (user, error) {
	if _, ok := s.items[id]; !ok {
		return user{}, fmt.Errorf("users id %d: %w", id, httpx.ErrNotFound)
	}
	u.ID = id
	s.items[id] = u
	return u, nil
}

func (s *memStore) Delete(_ context.Context, id int64) error {
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("users id %d: %w", id, httpx.ErrNotFound)
	}
	delete(s.items, id)
	return nil
}

func newTestRouter(t *testing.T, cfg crud.Config[user, userCreate, userUpdate]) chi.Router {
	t.Helper()
	resource, err := crud.New(cfg)
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Route("/users", resource.Mount)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)
	return res
}

func TestCreateThenGetRoundTrip(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: store})

	res := doJSON(t, r, http.MethodPost, "/users/", map[string]any{
		"name": "Alice", "email": "alice@example.com", "age": 25, "role": "admin",
	}, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var created user
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &created))
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, "Alice", created.Name)
	assert.Equal(t, "admin", created.Role)

	res = doJSON(t, r, http.MethodGet, "/users/1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var fetched user
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &fetched))
	assert.Equal(t, created, fetched)
}

func TestCreateAppliesDefaults(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: store})

	res := doJSON(t, r, http.MethodPost, "/users/", map[string]any{
		"name": "Bob", "email": "bob@example.com", "age": 30,
	}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "user", store.items[1].Role)
}

func TestCreateValidationFailsBeforePersistence(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: store})

	res := doJSON(t, r, http.MethodPost, "/users/", map[string]any{
		"name": "Alice", "email": "not-an-email", "age": 25,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "Email")
	assert.Zero(t, store.createCalls)
}

func TestCreateRejectsUnknownFields(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: store})

	res := doJSON(t, r, http.MethodPost, "/users/", map[string]any{
		"name": "Alice", "email": "alice@example.com", "age": 25, "surprise": true,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Zero(t, store.createCalls)
}

func TestCreateIgnoresClientSuppliedID(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: store})

	// The create schema has no id field, so a client-sent id is an unknown
	// field and the row never gets a caller-chosen key.
	res := doJSON(t, r, http.MethodPost, "/users/", map[string]any{
		"id": 99, "name": "Alice", "email": "alice@example.com", "age": 25,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: newMemStore()})

	res := doJSON(t, r, http.MethodGet, "/users/42", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestGetInvalidIDReturnsValidationError(t *testing.T) {
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: newMemStore()})

	res := doJSON(t, r, http.MethodGet, "/users/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestUpdatePartialPreservesOtherFields(t *testing.T) {
	store := newMemStore()
	store.items[1] = user{ID: 1, Name: "Alice", Email: "alice@example.com", Age: 25, Role: "admin"}
	store.nextID = 2
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: store})

	res := doJSON(t, r, http.MethodPatch, "/users/1", map[string]any{"age": 26}, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	updated := store.items[1]
	assert.Equal(t, 26, updated.Age)
	assert.Equal(t, "Alice", updated.Name)
	assert.Equal(t, "alice@example.com", updated.Email)
	assert.Equal(t, "admin", updated.Role)
	assert.Equal(t, int64(1), updated.ID)
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: newMemStore()})

	res := doJSON(t, r, http.MethodPut, "/users/7", map[string]any{"name": "Zed"}, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestDeleteThenGetReturnsNotFound(t *testing.T) {
	store := newMemStore()
	store.items[1] = user{ID: 1, Name: "Alice"}
	store.nextID = 2
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: store})

	res := doJSON(t, r, http.MethodDelete, "/users/1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"deleted":true,"id":1}`, res.Body.String())

	res = doJSON(t, r, http.MethodGet, "/users/1", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestListPaginationEnvelope(t *testing.T) {
	store := newMemStore()
	for i := 1; i <= 45; i++ {
		store.items[int64(i)] = user{ID: int64(i), Name: fmt.Sprintf("u%d", i)}
	}
	store.nextID = 46
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: store})

	res := doJSON(t, r, http.MethodGet, "/users/?page=2&per_page=20", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)

	var resp struct {
		Items      []user `json:"items"`
		Page       int    `json:"page"`
		PerPage    int    `json:"per_page"`
		Total      int    `json:"total"`
		TotalPages int    `json:"total_pages"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 20)
	assert.Equal(t, int64(21), resp.Items[0].ID)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 45, resp.Total)
	assert.Equal(t, 3, resp.TotalPages)
}

func TestListParamsReachTheStore(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: store})

	res := doJSON(t, r, http.MethodGet, "/users/?order=Name&order_dir=desc&filter_Role=admin&per_page=5000", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "Name", store.lastParams.OrderBy)
	assert.True(t, store.lastParams.OrderDesc)
	assert.Equal(t, map[string]string{"Role": "admin"}, store.lastParams.Filters)
	// per_page is capped.
	assert.Equal(t, 100, store.lastParams.PerPage)
}

func roleHeaderGetter(r *http.Request) (string, bool) {
	role := r.Header.Get("X-Role")
	return role, role != ""
}

func restrictedRouter(t *testing.T, store *memStore) chi.Router {
	t.Helper()
	return newTestRouter(t, crud.Config[user, userCreate, userUpdate]{
		Store: store,
		Roles: crud.RoleMap{
			crud.OpCreate: {"admin"},
			crud.OpUpdate: {"admin", "staff"},
			crud.OpDelete: {"admin"},
		},
		Role: roleHeaderGetter,
	})
}

func TestRoleMapDeniesAbsentRole(t *testing.T) {
	store := newMemStore()
	store.items[1] = user{ID: 1, Name: "Alice"}
	store.nextID = 2
	r := restrictedRouter(t, store)

	payload := map[string]any{"name": "Eve", "email": "eve@example.com", "age": 22}

	res := doJSON(t, r, http.MethodPost, "/users/", payload, map[string]string{"X-Role": "user"})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = doJSON(t, r, http.MethodDelete, "/users/1", nil, map[string]string{"X-Role": "user"})
	assert.Equal(t, http.StatusForbidden, res.Code)

	// No role at all is denied too.
	res = doJSON(t, r, http.MethodDelete, "/users/1", nil, nil)
	assert.Equal(t, http.StatusForbidden, res.Code)

	// The row is untouched.
	_, ok := store.items[1]
	assert.True(t, ok)
}

func TestRoleMapForbiddenRegardlessOfPayload(t *testing.T) {
	store := newMemStore()
	r := restrictedRouter(t, store)

	// Invalid payload with the wrong role still yields 403, not 400.
	res := doJSON(t, r, http.MethodPost, "/users/", map[string]any{"email": "nope"}, map[string]string{"X-Role": "user"})
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Zero(t, store.createCalls)
}

func TestRoleMapAllowsMemberRole(t *testing.T) {
	store := newMemStore()
	store.items[1] = user{ID: 1, Name: "Alice"}
	store.nextID = 2
	r := restrictedRouter(t, store)

	res := doJSON(t, r, http.MethodPatch, "/users/1", map[string]any{"name": "Alicia"}, map[string]string{"X-Role": "staff"})
	assert.Equal(t, http.StatusOK, res.Code)

	res = doJSON(t, r, http.MethodDelete, "/users/1", nil, map[string]string{"X-Role": "admin"})
	assert.Equal(t, http.StatusOK, res.Code)

	res = doJSON(t, r, http.MethodGet, "/users/1", nil, map[string]string{"X-Role": "admin"})
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestUnrestrictedOperationsNeedNoRole(t *testing.T) {
	store := newMemStore()
	store.items[1] = user{ID: 1, Name: "Alice"}
	store.nextID = 2
	r := restrictedRouter(t, store)

	res := doJSON(t, r, http.MethodGet, "/users/", nil, nil)
	assert.Equal(t, http.StatusOK, res.Code)

	res = doJSON(t, r, http.MethodGet, "/users/1", nil, nil)
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := crud.New(crud.Config[user, userCreate, userUpdate]{})
	assert.Error(t, err)
}

func TestNewRequiresRoleGetterWithRoleMap(t *testing.T) {
	_, err := crud.New(crud.Config[user, userCreate, userUpdate]{
		Store: newMemStore(),
		Roles: crud.RoleMap{crud.OpDelete: {"admin"}},
	})
	assert.Error(t, err)
}

func TestReadOverrideShapesResponse(t *testing.T) {
	store := newMemStore()
	store.items[1] = user{ID: 1, Name: "Alice", Email: "alice@example.com"}
	store.nextID = 2
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{
		Store: store,
		Read: func(u user) any {
			return map[string]any{"id": u.ID, "name": u.Name}
		},
	})

	res := doJSON(t, r, http.MethodGet, "/users/1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"id":1,"name":"Alice"}`, res.Body.String())
}

// fakeCache records interactions and serves whatever was last set.
type fakeCache struct {
	entries map[string][]byte
	busts   []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool) {
	payload, ok := c.entries[key]
	return payload, ok
}

func (c *fakeCache) Set(_ context.Context, key string, payload []byte) {
	c.entries[key] = payload
}

func (c *fakeCache) Bust(_ context.Context, resource string) {
	c.busts = append(c.busts, resource)
	c.entries = make(map[string][]byte)
}

func TestListServedFromCache(t *testing.T) {
	store := newMemStore()
	store.items[1] = user{ID: 1, Name: "Alice"}
	store.nextID = 2
	cache := newFakeCache()
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: store, Cache: cache})

	res := doJSON(t, r, http.MethodGet, "/users/", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	first := res.Body.String()
	require.Equal(t, 1, store.listCalls)

	res = doJSON(t, r, http.MethodGet, "/users/", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, first, res.Body.String())
	assert.Equal(t, 1, store.listCalls, "second list should hit the cache")
}

func TestMutationsBustTheCache(t *testing.T) {
	store := newMemStore()
	cache := newFakeCache()
	r := newTestRouter(t, crud.Config[user, userCreate, userUpdate]{Store: store, Cache: cache})

	res := doJSON(t, r, http.MethodPost, "/users/", map[string]any{
		"name": "Alice", "email": "alice@example.com", "age": 25,
	}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, []string{"user"}, cache.busts)

	res = doJSON(t, r, http.MethodPatch, "/users/1", map[string]any{"age": 26}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	res = doJSON(t, r, http.MethodDelete, "/users/1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, cache.busts, 3)
}
