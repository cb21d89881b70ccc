package posts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memUser struct {
	User
	passwordHash string
}

// MemoryStore is a Repository kept in process memory. The server falls back
// to it when no database is reachable; tests use it directly.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*memUser
	posts map[string]*Post
	clock func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*memUser),
		posts: make(map[string]*Post),
		clock: time.Now,
	}
}

var _ Repository = (*MemoryStore)(nil)

func (m *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, m.userLocked(u.ID))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.users[id]; !ok {
		return nil, fmt.Errorf("get user %s: %w", id, ErrNotFound)
	}
	u := m.userLocked(id)
	return &u, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, in NewUser, passwordHash string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == in.Email {
			return nil, fmt.Errorf("create user: users_email_key: %w", ErrConflict)
		}
		if u.Username == in.Username {
			return nil, fmt.Errorf("create user: users_username_key: %w", ErrConflict)
		}
	}

	ts := m.clock()
	u := &memUser{
		User: User{
			ID:        uuid.New().String(),
			Email:     in.Email,
			Username:  in.Username,
			Name:      in.Name,
			Bio:       in.Bio,
			CreatedAt: ts,
			UpdatedAt: ts,
		},
		passwordHash: passwordHash,
	}
	m.users[u.ID] = u

	out := m.userLocked(u.ID)
	return &out, nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("delete user %s: %w", id, ErrNotFound)
	}
	for pid, p := range m.posts {
		if p.AuthorID == id {
			delete(m.posts, pid)
		}
	}
	delete(m.users, id)

	out := u.User
	out.Posts = []Post{}
	return &out, nil
}

func (m *MemoryStore) ListPosts(ctx context.Context) ([]Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	posts := make([]Post, 0, len(m.posts))
	for id := range m.posts {
		posts = append(posts, m.postLocked(id))
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].CreatedAt.After(posts[j].CreatedAt) })
	return posts, nil
}

func (m *MemoryStore) PostsByAuthor(ctx context.Context, authorID string) ([]Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.users[authorID]; !ok {
		return nil, fmt.Errorf("posts by author %s: %w", authorID, ErrNotFound)
	}
	author := m.userLocked(authorID)
	posts := make([]Post, len(author.Posts))
	for i, p := range author.Posts {
		p.Author = &author
		posts[i] = p
	}
	return posts, nil
}

func (m *MemoryStore) GetPost(ctx context.Context, id string) (*Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.posts[id]; !ok {
		return nil, fmt.Errorf("get post %s: %w", id, ErrNotFound)
	}
	p := m.postLocked(id)
	return &p, nil
}

func (m *MemoryStore) CreatePost(ctx context.Context, in NewPost) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[in.AuthorID]; !ok {
		return nil, fmt.Errorf("create post: author %s: %w", in.AuthorID, ErrNotFound)
	}
	ts := m.clock()
	p := &Post{
		ID:        uuid.New().String(),
		Title:     in.Title,
		Content:   in.Content,
		AuthorID:  in.AuthorID,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	m.posts[p.ID] = p

	out := m.postLocked(p.ID)
	return &out, nil
}

func (m *MemoryStore) UpdatePost(ctx context.Context, id string, in PostUpdate) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[id]
	if !ok {
		return nil, fmt.Errorf("update post %s: %w", id, ErrNotFound)
	}
	if in.Title != nil {
		p.Title = *in.Title
	}
	if in.Content != nil {
		p.Content = *in.Content
	}
	if in.Published != nil {
		p.Published = *in.Published
	}
	p.UpdatedAt = m.clock()

	out := m.postLocked(id)
	return &out, nil
}

func (m *MemoryStore) DeletePost(ctx context.Context, id string) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.posts[id]; !ok {
		return nil, fmt.Errorf("delete post %s: %w", id, ErrNotFound)
	}
	out := m.postLocked(id)
	delete(m.posts, id)
	return &out, nil
}

// userLocked returns a copy of the user with posts ordered by creation time.
func (m *MemoryStore) userLocked(id string) User {
	u := m.users[id].User
	u.Posts = []Post{}
	for _, p := range m.posts {
		if p.AuthorID == id {
			u.Posts = append(u.Posts, *p)
		}
	}
	sort.Slice(u.Posts, func(i, j int) bool { return u.Posts[i].CreatedAt.Before(u.Posts[j].CreatedAt) })
	return u
}

// postLocked returns a copy of the post with its author attached.
func (m *MemoryStore) postLocked(id string) Post {
	p := *m.posts[id]
	if _, ok := m.users[p.AuthorID]; ok {
		author := m.userLocked(p.AuthorID)
		p.Author = &author
	}
	return p
}
