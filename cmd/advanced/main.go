// Command advanced serves a users CRUD API over PostgreSQL behind JWT
// authentication with per-operation role checks: only admins may create or
// delete users, admins and staff may update them.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/crudkit/crudkit/auth"
	"github.com/crudkit/crudkit/cache"
	"github.com/crudkit/crudkit/crud"
	"github.com/crudkit/crudkit/httpx"
	"github.com/crudkit/crudkit/internal/app"
	"github.com/crudkit/crudkit/internal/platform/db"
	"github.com/crudkit/crudkit/sqlstore"
)

// User is a persisted user account. The password hash never leaves the
// process.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username" crud:"unique"`
	Email        string    `json:"email" crud:"unique"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at" crud:"auto"`
}

// UserCreate is the input shape for creating a user. Accounts created over
// the API have no password until one is set out of band.
type UserCreate struct {
	Username string `json:"username" validate:"required,min=3"`
	Email    string `json:"email" validate:"required,email"`
	Role     string `json:"role" validate:"omitempty,oneof=admin staff user"`
}

// Defaults fills optional fields.
func (c *UserCreate) Defaults() {
	if c.Role == "" {
		c.Role = "user"
	}
}

// UserUpdate is the input shape for updating a user.
type UserUpdate struct {
	Username *string `json:"username" validate:"omitempty,min=3"`
	Email    *string `json:"email" validate:"omitempty,email"`
	Role     *string `json:"role" validate:"omitempty,oneof=admin staff user"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Username    string `json:"username"`
	Role        string `json:"role"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.TokenSecret == "" {
		slog.Default().Error("TOKEN_SECRET must be provided")
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.NewPostgres(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	userStore, err := sqlstore.New[User](pool, sqlstore.Postgres)
	if err != nil {
		logger.Error("build user store", slog.Any("error", err))
		os.Exit(1)
	}
	if err := userStore.CreateTable(ctx); err != nil {
		logger.Error("create users table", slog.Any("error", err))
		os.Exit(1)
	}
	if err := seedAdmin(ctx, userStore, cfg.AdminPassword); err != nil {
		logger.Error("seed admin", slog.Any("error", err))
		os.Exit(1)
	}

	tokens, err := auth.NewTokens(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		logger.Error("build token manager", slog.Any("error", err))
		os.Exit(1)
	}

	var listCache crud.ListCache
	if cfg.RedisAddr != "" {
		redisClient, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer redisClient.Close()
		listCache = cache.NewLists(redisClient, cfg.CacheTTL, logger)
	}

	users, err := crud.New(crud.Config[User, UserCreate, UserUpdate]{
		Store:  userStore,
		Logger: logger,
		Roles: crud.RoleMap{
			crud.OpCreate: {"admin"},
			crud.OpUpdate: {"admin", "staff"},
			crud.OpDelete: {"admin"},
		},
		Role:        auth.RoleFromRequest,
		Middlewares: []func(http.Handler) http.Handler{auth.Middleware(tokens)},
		Cache:       listCache,
	})
	if err != nil {
		logger.Error("build users resource", slog.Any("error", err))
		os.Exit(1)
	}

	r := chi.NewRouter()
	for _, mw := range app.MiddlewareStack(app.MiddlewareConfig{Logger: logger, Config: cfg}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/login", loginHandler(userStore, tokens, logger))
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokens))
		r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			td, _ := auth.FromContext(r.Context())
			httpx.JSON(w, http.StatusOK, td)
		})
	})
	r.Route("/users", users.Mount)

	if err := app.RunServer(ctx, cfg, logger, r); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func loginHandler(store *sqlstore.Store[User], tokens *auth.Tokens, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		user, err := findByUsername(r.Context(), store, req.Username)
		if err != nil {
			if !errors.Is(err, httpx.ErrNotFound) {
				logger.Error("login lookup", slog.Any("error", err))
			}
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
			return
		}
		token, err := tokens.Issue(user.Username, user.Role)
		if err != nil {
			logger.Error("issue token", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, loginResponse{
			AccessToken: token,
			TokenType:   "bearer",
			Username:    user.Username,
			Role:        user.Role,
		})
	}
}

func findByUsername(ctx context.Context, store *sqlstore.Store[User], username string) (User, error) {
	items, _, err := store.List(ctx, crud.ListParams{
		Page:    1,
		PerPage: 1,
		Filters: map[string]string{"Username": username},
	})
	if err != nil {
		return User{}, err
	}
	if len(items) == 0 {
		return User{}, httpx.ErrNotFound
	}
	return items[0], nil
}

// seedAdmin creates the initial admin account when the table is empty so the
// role-restricted operations are reachable on a fresh database.
func seedAdmin(ctx context.Context, store *sqlstore.Store[User], password string) error {
	if password == "" {
		return nil
	}
	_, total, err := store.List(ctx, crud.ListParams{Page: 1, PerPage: 1})
	if err != nil {
		return err
	}
	if total > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = store.Create(ctx, User{
		Username:     "admin",
		Email:        "admin@example.com",
		Role:         "admin",
		PasswordHash: string(hash),
	})
	return err
}
