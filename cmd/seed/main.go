// Command seed loads the demo users and posts into the database.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/darkden-lab/postfeed/internal/config"
	"github.com/darkden-lab/postfeed/internal/db"
	"github.com/darkden-lab/postfeed/internal/logging"
	"github.com/darkden-lab/postfeed/internal/posts"
)

type seedPost struct {
	title   string
	content string
}

type seedUser struct {
	user  posts.NewUser
	posts []seedPost
}

func strPtr(s string) *string { return &s }

var fixtures = []seedUser{
	{
		user: posts.NewUser{
			Email:    "user1@example.com",
			Username: "user1",
			Password: "password1",
			Name:     strPtr("User One"),
			Bio:      strPtr("This is user one"),
		},
		posts: []seedPost{
			{"First Post", "This is the first post by user one"},
			{"Second Post", "This is the second post by user one"},
		},
	},
	{
		user: posts.NewUser{
			Email:    "user2@example.com",
			Username: "user2",
			Password: "password2",
			Name:     strPtr("User Two"),
			Bio:      strPtr("This is user two"),
		},
		posts: []seedPost{
			{"Third Post", "This is a post by user two"},
		},
	},
}

// seed creates every fixture user with their posts, all published. It
// returns posts.ErrConflict when a fixture user already exists.
func seed(ctx context.Context, svc *posts.Service) error {
	published := true
	for _, f := range fixtures {
		u, err := svc.CreateUser(ctx, f.user)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", f.user.Username, err)
		}
		for _, sp := range f.posts {
			p, err := svc.CreatePost(ctx, posts.NewPost{Title: sp.title, Content: sp.content, AuthorID: u.ID})
			if err != nil {
				return fmt.Errorf("seed post %q: %w", sp.title, err)
			}
			if _, err := svc.UpdatePost(ctx, p.ID, posts.PostUpdate{Published: &published}); err != nil {
				return fmt.Errorf("publish post %q: %w", sp.title, err)
			}
		}
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel)

	ctx := context.Background()
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		log.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Seeding runs offline, so nothing is published.
	svc := posts.NewService(posts.NewStore(database.Pool), nil, log)
	if err := seed(ctx, svc); err != nil {
		if errors.Is(err, posts.ErrConflict) {
			log.Info("seed data already present, nothing to do")
			return
		}
		log.Error("seeding failed", slog.Any("error", err))
		database.Close()
		os.Exit(1)
	}
	log.Info("seed data created successfully")
}
