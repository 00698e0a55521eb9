// Command basic serves auto-generated CRUD routes for users and posts over a
// SQLite database, with no authentication.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/crudkit/crudkit/crud"
	"github.com/crudkit/crudkit/httpx"
	"github.com/crudkit/crudkit/internal/app"
	"github.com/crudkit/crudkit/internal/platform/db"
	"github.com/crudkit/crudkit/sqlstore"
)

// User is a persisted user account.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email" crud:"unique"`
	Age       int       `json:"age"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at" crud:"auto"`
}

// UserCreate is the input shape for creating a user.
type UserCreate struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Age   int    `json:"age" validate:"gte=0"`
	Role  string `json:"role"`
}

// Defaults fills optional fields.
func (c *UserCreate) Defaults() {
	if c.Role == "" {
		c.Role = "user"
	}
}

// UserUpdate is the input shape for updating a user. Absent fields preserve
// current values.
type UserUpdate struct {
	Name  *string `json:"name" validate:"omitempty,min=1"`
	Email *string `json:"email" validate:"omitempty,email"`
	Age   *int    `json:"age" validate:"omitempty,gte=0"`
	Role  *string `json:"role"`
}

// Post is a persisted blog post.
type Post struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	Published int       `json:"published"`
	CreatedAt time.Time `json:"created_at" crud:"auto"`
}

// PostCreate is the input shape for creating a post.
type PostCreate struct {
	Title     string `json:"title" validate:"required"`
	Content   string `json:"content" validate:"required"`
	Author    string `json:"author" validate:"required"`
	Published int    `json:"published" validate:"oneof=0 1"`
}

// PostUpdate is the input shape for updating a post.
type PostUpdate struct {
	Title     *string `json:"title" validate:"omitempty,min=1"`
	Content   *string `json:"content"`
	Author    *string `json:"author"`
	Published *int    `json:"published" validate:"omitempty,oneof=0 1"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	handle, err := db.NewSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		logger.Error("open sqlite", slog.Any("error", err))
		os.Exit(1)
	}
	defer handle.Close()

	userStore, err := sqlstore.New[User](handle, sqlstore.SQLite)
	if err != nil {
		logger.Error("build user store", slog.Any("error", err))
		os.Exit(1)
	}
	postStore, err := sqlstore.New[Post](handle, sqlstore.SQLite)
	if err != nil {
		logger.Error("build post store", slog.Any("error", err))
		os.Exit(1)
	}
	if err := userStore.CreateTable(ctx); err != nil {
		logger.Error("create users table", slog.Any("error", err))
		os.Exit(1)
	}
	if err := postStore.CreateTable(ctx); err != nil {
		logger.Error("create posts table", slog.Any("error", err))
		os.Exit(1)
	}

	users, err := crud.New(crud.Config[User, UserCreate, UserUpdate]{
		Store:  userStore,
		Logger: logger,
	})
	if err != nil {
		logger.Error("build users resource", slog.Any("error", err))
		os.Exit(1)
	}
	posts, err := crud.New(crud.Config[Post, PostCreate, PostUpdate]{
		Store:  postStore,
		Logger: logger,
	})
	if err != nil {
		logger.Error("build posts resource", slog.Any("error", err))
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
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]any{
			"message": "crudkit basic example",
			"endpoints": map[string]string{
				"users": "/users/",
				"posts": "/posts/",
			},
		})
	})
	r.Route("/users", users.Mount)
	r.Route("/posts", posts.Mount)

	if err := app.RunServer(ctx, cfg, logger, r); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
