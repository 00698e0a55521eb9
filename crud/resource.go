package crud

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/crudkit/crudkit/httpx"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Config groups dependencies for building a Resource.
//
// M is the persisted model struct, C the create schema, U the update schema.
// Update schemas use pointer fields; absent fields preserve current values.
type Config[M, C, U any] struct {
	// Name identifies the resource in logs and cache keys. Defaults to the
	// lowercased model type name.
	Name string
	// Store provides persistence. Required.
	Store  Store[M]
	Logger *slog.Logger
	// Roles restricts operations to role sets. Operations without an entry
	// stay unrestricted. A non-empty role map requires Role.
	Roles RoleMap
	// Role extracts the caller's role. Consulted only for restricted
	// operations.
	Role RoleGetter
	// Middlewares are applied to every generated route.
	Middlewares []func(http.Handler) http.Handler
	// Read overrides the response shape. By default the model itself is
	// serialized through its json tags.
	Read func(M) any
	// Cache, when set, caches serialized list responses and is busted on
	// every successful mutation.
	Cache ListCache
	// PerPageMax caps the per_page query parameter. Defaults to 100.
	PerPageMax int
}

// Resource holds the generated handler set for one model type.
type Resource[M, C, U any] struct {
	cfg      Config[M, C, U]
	name     string
	validate *validator.Validate
}

// New builds a Resource from cfg.
func New[M, C, U any](cfg Config[M, C, U]) (*Resource[M, C, U], error) {
	if cfg.Store == nil {
		return nil, errors.New("crud: store is required")
	}
	if len(cfg.Roles) > 0 && cfg.Role == nil {
		return nil, errors.New("crud: role map requires a role getter")
	}
	name := cfg.Name
	if name == "" {
		var m M
		name = strings.ToLower(reflect.TypeOf(m).Name())
	}
	if cfg.PerPageMax <= 0 {
		cfg.PerPageMax = maxPerPage
	}
	return &Resource[M, C, U]{cfg: cfg, name: name, validate: validator.New()}, nil
}

// Name returns the resource name used in logs and cache keys.
func (rs *Resource[M, C, U]) Name() string {
	return rs.name
}

// Mount registers the generated routes on r. The caller chooses the path
// prefix, typically via r.Route("/users", resource.Mount).
func (rs *Resource[M, C, U]) Mount(r chi.Router) {
	r.Group(func(r chi.Router) {
		for _, mw := range rs.cfg.Middlewares {
			r.Use(mw)
		}
		r.Get("/", rs.list)
		r.Post("/", rs.create)
		r.Get("/{id}", rs.get)
		r.Put("/{id}", rs.update)
		r.Patch("/{id}", rs.update)
		r.Delete("/{id}", rs.remove)
	})
}

// Routes returns a standalone router with the generated handler set, for
// hosts that prefer r.Mount over r.Route.
func (rs *Resource[M, C, U]) Routes() chi.Router {
	r := chi.NewRouter()
	rs.Mount(r)
	return r
}

type listResponse struct {
	Items []any `json:"items"`
	Pagination
}

type deleteResponse struct {
	Deleted bool  `json:"deleted"`
	ID      int64 `json:"id"`
}

func (rs *Resource[M, C, U]) list(w http.ResponseWriter, r *http.Request) {
	if err := rs.authorize(r, OpList); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ctx := r.Context()
	params := rs.listParams(r)

	key := ""
	if rs.cfg.Cache != nil {
		key = rs.cacheKey(params)
		if payload, ok := rs.cfg.Cache.Get(ctx, key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
			return
		}
	}

	items, total, err := rs.cfg.Store.List(ctx, params)
	if err != nil {
		rs.logError("list", err)
		httpx.RespondError(w, err)
		return
	}
	views := make([]any, len(items))
	for i, item := range items {
		views[i] = rs.view(item)
	}
	resp := listResponse{Items: views, Pagination: NewPagination(params.Page, params.PerPage, total)}

	if rs.cfg.Cache != nil {
		payload, err := json.Marshal(resp)
		if err == nil {
			rs.cfg.Cache.Set(ctx, key, payload)
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (rs *Resource[M, C, U]) get(w http.ResponseWriter, r *http.Request) {
	if err := rs.authorize(r, OpGet); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := parseID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := rs.cfg.Store.Get(r.Context(), id)
	if err != nil {
		rs.logError("get", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rs.view(item))
}

func (rs *Resource[M, C, U]) create(w http.ResponseWriter, r *http.Request) {
	if err := rs.authorize(r, OpCreate); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body C
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	fillDefaults(&body)
	if err := validateStruct(rs.validate, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var model M
	copyByName(&body, &model)
	created, err := rs.cfg.Store.Create(r.Context(), model)
	if err != nil {
		rs.logError("create", err)
		httpx.RespondError(w, err)
		return
	}
	rs.bust(r)
	httpx.JSON(w, http.StatusOK, rs.view(created))
}

func (rs *Resource[M, C, U]) update(w http.ResponseWriter, r *http.Request) {
	if err := rs.authorize(r, OpUpdate); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := parseID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	current, err := rs.cfg.Store.Get(r.Context(), id)
	if err != nil {
		rs.logError("update", err)
		httpx.RespondError(w, err)
		return
	}
	var body U
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	fillDefaults(&body)
	if err := validateStruct(rs.validate, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	copyByName(&body, &current)
	updated, err := rs.cfg.Store.Update(r.Context(), id, current)
	if err != nil {
		rs.logError("update", err)
		httpx.RespondError(w, err)
		return
	}
	rs.bust(r)
	httpx.JSON(w, http.StatusOK, rs.view(updated))
}

func (rs *Resource[M, C, U]) remove(w http.ResponseWriter, r *http.Request) {
	if err := rs.authorize(r, OpDelete); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := parseID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := rs.cfg.Store.Delete(r.Context(), id); err != nil {
		rs.logError("delete", err)
		httpx.RespondError(w, err)
		return
	}
	rs.bust(r)
	httpx.JSON(w, http.StatusOK, deleteResponse{Deleted: true, ID: id})
}

// authorize enforces the role map for op. It runs before the body is read so
// a forbidden caller learns nothing about payload validity.
func (rs *Resource[M, C, U]) authorize(r *http.Request, op Op) error {
	if !rs.cfg.Roles.Restricts(op) {
		return nil
	}
	role, ok := rs.cfg.Role(r)
	if !rs.cfg.Roles.Allows(op, role, ok) {
		return fmt.Errorf("%w: role not permitted for %s", httpx.ErrForbidden, op)
	}
	return nil
}

func (rs *Resource[M, C, U]) view(m M) any {
	if rs.cfg.Read != nil {
		return rs.cfg.Read(m)
	}
	return m
}

func (rs *Resource[M, C, U]) bust(r *http.Request) {
	if rs.cfg.Cache != nil {
		rs.cfg.Cache.Bust(r.Context(), rs.name)
	}
}

func (rs *Resource[M, C, U]) listParams(r *http.Request) ListParams {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > rs.cfg.PerPageMax {
		perPage = rs.cfg.PerPageMax
	}
	params := ListParams{
		Page:      page,
		PerPage:   perPage,
		OrderBy:   q.Get("order"),
		OrderDesc: strings.EqualFold(q.Get("order_dir"), "desc"),
	}
	for key, vals := range q {
		if !strings.HasPrefix(key, "filter_") || len(vals) == 0 {
			continue
		}
		if params.Filters == nil {
			params.Filters = make(map[string]string)
		}
		params.Filters[strings.TrimPrefix(key, "filter_")] = vals[0]
	}
	return params
}

func (rs *Resource[M, C, U]) cacheKey(params ListParams) string {
	filters := make([]string, 0, len(params.Filters))
	for k, v := range params.Filters {
		filters = append(filters, k+"="+v)
	}
	sort.Strings(filters)
	dir := "asc"
	if params.OrderDesc {
		dir = "desc"
	}
	return fmt.Sprintf("%s:p=%d,pp=%d,o=%s,%s|%s",
		rs.name, params.Page, params.PerPage, params.OrderBy, dir, strings.Join(filters, ","))
}

func (rs *Resource[M, C, U]) logError(op string, err error) {
	if rs.cfg.Logger == nil {
		return
	}
	if errors.Is(err, httpx.ErrNotFound) {
		return
	}
	rs.cfg.Logger.Error("crud operation failed",
		slog.String("resource", rs.name), slog.String("op", op), slog.Any("error", err))
}

func parseID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", httpx.ErrValidation, raw)
	}
	return id, nil
}
