package posts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Publisher announces committed changes. *pubsub.Broker[Post] and
// *relay.Bridge[Post] both satisfy it.
type Publisher interface {
	Publish(topic string, payload Post)
}

// Service is the entry point for queries and mutations on users and posts.
type Service struct {
	repo   Repository
	events Publisher
	log    *slog.Logger
}

// NewService creates a Service. events may be nil, in which case nothing is
// announced.
func NewService(repo Repository, events Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, events: events, log: log.With(slog.String("component", "posts"))}
}

func (s *Service) Users(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

func (s *Service) User(ctx context.Context, id string) (*User, error) {
	return s.repo.GetUser(ctx, id)
}

func (s *Service) Posts(ctx context.Context) ([]Post, error) {
	return s.repo.ListPosts(ctx)
}

func (s *Service) PostsByAuthor(ctx context.Context, authorID string) ([]Post, error) {
	return s.repo.PostsByAuthor(ctx, authorID)
}

func (s *Service) Post(ctx context.Context, id string) (*Post, error) {
	return s.repo.GetPost(ctx, id)
}

// CreateUser stores a new user with a bcrypt hash of the password.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	if strings.TrimSpace(in.Email) == "" || strings.TrimSpace(in.Username) == "" || in.Password == "" {
		return nil, fmt.Errorf("email, username and password are required: %w", ErrInvalid)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u, err := s.repo.CreateUser(ctx, in, string(hash))
	if err != nil {
		return nil, err
	}
	s.log.Info("user created", slog.String("user_id", u.ID), slog.String("username", u.Username))
	return u, nil
}

// DeleteUser deletes the user together with all of their posts atomically.
func (s *Service) DeleteUser(ctx context.Context, id string) (*User, error) {
	u, err := s.repo.DeleteUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("user deleted", slog.String("user_id", id))
	return u, nil
}

// CreatePost stores the post and, only once the insert has committed,
// publishes it on TopicPostCreated.
func (s *Service) CreatePost(ctx context.Context, in NewPost) (*Post, error) {
	if strings.TrimSpace(in.Title) == "" || in.AuthorID == "" {
		return nil, fmt.Errorf("title and authorId are required: %w", ErrInvalid)
	}

	p, err := s.repo.CreatePost(ctx, in)
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.Publish(TopicPostCreated, *p)
	}
	s.log.Info("post created", slog.String("post_id", p.ID), slog.String("author_id", p.AuthorID))
	return p, nil
}

func (s *Service) UpdatePost(ctx context.Context, id string, in PostUpdate) (*Post, error) {
	return s.repo.UpdatePost(ctx, id, in)
}

func (s *Service) DeletePost(ctx context.Context, id string) (*Post, error) {
	p, err := s.repo.DeletePost(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("post deleted", slog.String("post_id", id))
	return p, nil
}
