// Package posts holds the user and post domain: persistence, the derived
// display fields and the service that announces new posts.
package posts

import (
	"errors"
	"time"
)

// TopicPostCreated is published once for every committed post insert.
const TopicPostCreated = "post.created"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	ErrInvalid  = errors.New("invalid input")
)

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Name      *string   `json:"name,omitempty"`
	Bio       *string   `json:"bio,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Posts     []Post    `json:"posts"`
}

// Post is also the payload of TopicPostCreated. Listeners share it and must
// treat it as read-only.
type Post struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Published bool      `json:"published"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Author    *User     `json:"author,omitempty"`
}

type NewUser struct {
	Email    string
	Username string
	Password string
	Name     *string
	Bio      *string
}

type NewPost struct {
	Title    string
	Content  string
	AuthorID string
}

// PostUpdate carries a partial update; nil fields are left unchanged.
type PostUpdate struct {
	Title     *string
	Content   *string
	Published *bool
}
