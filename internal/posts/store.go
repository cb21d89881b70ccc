package posts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the persistence contract the Service depends on. Users are
// returned with their posts; posts are returned with their author, whose
// posts are loaded too.
type Repository interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, in NewUser, passwordHash string) (*User, error)
	DeleteUser(ctx context.Context, id string) (*User, error)

	ListPosts(ctx context.Context) ([]Post, error)
	PostsByAuthor(ctx context.Context, authorID string) ([]Post, error)
	GetPost(ctx context.Context, id string) (*Post, error)
	CreatePost(ctx context.Context, in NewPost) (*Post, error)
	UpdatePost(ctx context.Context, id string, in PostUpdate) (*Post, error)
	DeletePost(ctx context.Context, id string) (*Post, error)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	userColumns = `id::text, email, username, name, bio, created_at, updated_at`
	postColumns = `id::text, title, content, published, author_id::text, created_at, updated_at`
)

// Store is the PostgreSQL Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store on the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ Repository = (*Store)(nil)

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	users, err := queryUsers(ctx, s.pool, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if err := attachPosts(ctx, s.pool, users); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return getUser(ctx, s.pool, id)
}

func (s *Store) CreateUser(ctx context.Context, in NewUser, passwordHash string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, username, password_hash, name, bio)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+userColumns,
		in.Email, in.Username, passwordHash, in.Name, in.Bio,
	).Scan(&u.ID, &u.Email, &u.Username, &u.Name, &u.Bio, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", classify(err))
	}
	u.Posts = []Post{}
	return &u, nil
}

// DeleteUser removes the user's posts and then the user in one transaction.
// Either both are gone afterwards or neither is.
func (s *Store) DeleteUser(ctx context.Context, id string) (*User, error) {
	var deleted *User
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		u, err := getUserForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM posts WHERE author_id = $1`, id); err != nil {
			return classify(err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		u.Posts = []Post{}
		deleted = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete user %s: %w", id, err)
	}
	return deleted, nil
}

func (s *Store) ListPosts(ctx context.Context) ([]Post, error) {
	posts, err := queryPosts(ctx, s.pool, `SELECT `+postColumns+` FROM posts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	if err := attachAuthors(ctx, s.pool, posts); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

// PostsByAuthor returns the author's posts oldest first. An unknown author
// yields ErrNotFound rather than an empty list.
func (s *Store) PostsByAuthor(ctx context.Context, authorID string) ([]Post, error) {
	author, err := getUser(ctx, s.pool, authorID)
	if err != nil {
		return nil, fmt.Errorf("posts by author: %w", err)
	}
	posts := make([]Post, len(author.Posts))
	for i, p := range author.Posts {
		p.Author = author
		posts[i] = p
	}
	return posts, nil
}

func (s *Store) GetPost(ctx context.Context, id string) (*Post, error) {
	p, err := getPost(ctx, s.pool, id)
	if err != nil {
		return nil, fmt.Errorf("get post %s: %w", id, err)
	}
	return p, nil
}

// CreatePost inserts the post and reads it back with its author inside one
// transaction, so a returned post is always committed.
func (s *Store) CreatePost(ctx context.Context, in NewPost) (*Post, error) {
	var created *Post
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx,
			`INSERT INTO posts (title, content, author_id) VALUES ($1, $2, $3) RETURNING id::text`,
			in.Title, in.Content, in.AuthorID,
		).Scan(&id)
		if err != nil {
			return classify(err)
		}
		created, err = getPost(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return created, nil
}

func (s *Store) UpdatePost(ctx context.Context, id string, in PostUpdate) (*Post, error) {
	var updated *Post
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE posts SET
				title = COALESCE($2, title),
				content = COALESCE($3, content),
				published = COALESCE($4, published),
				updated_at = NOW()
			 WHERE id = $1`,
			id, in.Title, in.Content, in.Published,
		)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		updated, err = getPost(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update post %s: %w", id, err)
	}
	return updated, nil
}

// DeletePost returns the post as it was before deletion, author included.
func (s *Store) DeletePost(ctx context.Context, id string) (*Post, error) {
	var deleted *Post
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := getPost(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id); err != nil {
			return classify(err)
		}
		deleted = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete post %s: %w", id, err)
	}
	return deleted, nil
}

func getUser(ctx context.Context, q querier, id string) (*User, error) {
	users, err := queryUsers(ctx, q, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("get user %s: %w", id, ErrNotFound)
	}
	if err := attachPosts(ctx, q, users); err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &users[0], nil
}

func getUserForUpdate(ctx context.Context, q querier, id string) (*User, error) {
	users, err := queryUsers(ctx, q, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return &users[0], nil
}

func getPost(ctx context.Context, q querier, id string) (*Post, error) {
	posts, err := queryPosts(ctx, q, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, ErrNotFound
	}
	if err := attachAuthors(ctx, q, posts); err != nil {
		return nil, err
	}
	return &posts[0], nil
}

func queryUsers(ctx context.Context, q querier, sql string, args ...any) ([]User, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.Name, &u.Bio, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.Posts = []Post{}
		users = append(users, u)
	}
	if users == nil {
		users = []User{}
	}
	return users, classify(rows.Err())
}

func queryPosts(ctx context.Context, q querier, sql string, args ...any) ([]Post, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.Title, &p.Content, &p.Published, &p.AuthorID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if posts == nil {
		posts = []Post{}
	}
	return posts, classify(rows.Err())
}

// attachPosts loads every post of the given users with a single query.
func attachPosts(ctx context.Context, q querier, users []User) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]string, len(users))
	index := make(map[string]int, len(users))
	for i, u := range users {
		ids[i] = u.ID
		index[u.ID] = i
	}

	posts, err := queryPosts(ctx, q,
		`SELECT `+postColumns+` FROM posts WHERE author_id = ANY($1::uuid[]) ORDER BY created_at`, ids)
	if err != nil {
		return err
	}
	for _, p := range posts {
		i := index[p.AuthorID]
		users[i].Posts = append(users[i].Posts, p)
	}
	return nil
}

// attachAuthors sets Author on every post, loading each distinct author once
// together with the author's posts.
func attachAuthors(ctx context.Context, q querier, posts []Post) error {
	if len(posts) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, p := range posts {
		if _, ok := seen[p.AuthorID]; !ok {
			seen[p.AuthorID] = struct{}{}
			ids = append(ids, p.AuthorID)
		}
	}

	authors, err := queryUsers(ctx, q, `SELECT `+userColumns+` FROM users WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return err
	}
	if err := attachPosts(ctx, q, authors); err != nil {
		return err
	}
	byID := make(map[string]*User, len(authors))
	for i := range authors {
		byID[authors[i].ID] = &authors[i]
	}
	for i := range posts {
		posts[i].Author = byID[posts[i].AuthorID]
	}
	return nil
}

// PostgreSQL error codes mapped onto domain errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidText         = "22P02"
)

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
		case pgForeignKeyViolation, pgInvalidText:
			// Malformed or dangling ids behave like missing rows.
			return ErrNotFound
		}
	}
	return err
}
