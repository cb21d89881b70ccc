package posts

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	excerptLength  = 100
	wordsPerMinute = 200
	recentWindow   = 7 * 24 * time.Hour
	activeWindow   = 30 * 24 * time.Hour
)

// now is swapped in tests.
var now = time.Now

// MonthGroup is one bucket of PostsByMonth.
type MonthGroup struct {
	Month string `json:"month"`
	Count int    `json:"count"`
	Posts []Post `json:"posts"`
}

// AuthorDetails summarises a post's author.
type AuthorDetails struct {
	Name      string `json:"name"`
	Username  string `json:"username"`
	PostCount int    `json:"post_count"`
	IsActive  bool   `json:"is_active"`
}

func (u *User) PostCount() int {
	return len(u.Posts)
}

// FullName is "name (username)", or just the username when no name is set.
func (u *User) FullName() string {
	if u.Name != nil && *u.Name != "" {
		return *u.Name + " (" + u.Username + ")"
	}
	return u.Username
}

func (u *User) PostTitles() []string {
	titles := make([]string, 0, len(u.Posts))
	for _, p := range u.Posts {
		titles = append(titles, p.Title)
	}
	return titles
}

// RecentPosts returns the posts that satisfy Post.IsRecent, oldest first.
func (u *User) RecentPosts() []Post {
	recent := []Post{}
	for _, p := range u.Posts {
		if p.IsRecent() {
			recent = append(recent, p)
		}
	}
	return recent
}

// PostWithLongestTitle returns nil when the user has no posts. Titles are
// measured in characters and ties go to the earliest post.
func (u *User) PostWithLongestTitle() *Post {
	if len(u.Posts) == 0 {
		return nil
	}
	longest, longestLen := &u.Posts[0], utf8.RuneCountInString(u.Posts[0].Title)
	for i := 1; i < len(u.Posts); i++ {
		if n := utf8.RuneCountInString(u.Posts[i].Title); n > longestLen {
			longest, longestLen = &u.Posts[i], n
		}
	}
	return longest
}

// PostsByMonth groups posts by the English name of their creation month, in
// the order each month is first seen.
func (u *User) PostsByMonth() []MonthGroup {
	groups := []MonthGroup{}
	index := make(map[string]int)
	for _, p := range u.Posts {
		month := p.CreatedAt.Month().String()
		i, ok := index[month]
		if !ok {
			i = len(groups)
			index[month] = i
			groups = append(groups, MonthGroup{Month: month, Posts: []Post{}})
		}
		groups[i].Count++
		groups[i].Posts = append(groups[i].Posts, p)
	}
	return groups
}

// IsActive reports whether the user created a post within the last 30 days.
func (u *User) IsActive() bool {
	cutoff := now().Add(-activeWindow)
	for _, p := range u.Posts {
		if p.CreatedAt.After(cutoff) {
			return true
		}
	}
	return false
}

// Excerpt is the first 100 characters of the content followed by "...".
func (p *Post) Excerpt() string {
	runes := []rune(p.Content)
	if len(runes) > excerptLength {
		runes = runes[:excerptLength]
	}
	return string(runes) + "..."
}

// AuthorName falls back to the username when the author has no name.
func (p *Post) AuthorName() string {
	if p.Author == nil {
		return ""
	}
	if p.Author.Name != nil && *p.Author.Name != "" {
		return *p.Author.Name
	}
	return p.Author.Username
}

// WordCount splits the content on whitespace. Content with no words still
// counts as one.
func (p *Post) WordCount() int {
	return max(len(strings.Fields(p.Content)), 1)
}

// ReadingTime is the estimated minutes to read the content at 200 words per
// minute, rounded up.
func (p *Post) ReadingTime() int {
	words := p.WordCount()
	return (words + wordsPerMinute - 1) / wordsPerMinute
}

// IsRecent reports whether the post was created within the last 7 days.
func (p *Post) IsRecent() bool {
	return p.CreatedAt.After(now().Add(-recentWindow))
}

func (p *Post) AuthorDetails() AuthorDetails {
	if p.Author == nil {
		return AuthorDetails{}
	}
	d := AuthorDetails{
		Username:  p.Author.Username,
		PostCount: p.Author.PostCount(),
		IsActive:  p.Author.IsActive(),
	}
	if p.Author.Name != nil {
		d.Name = *p.Author.Name
	}
	return d
}
