package blog

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

type State string

const (
	StateDraft     State = "draft"
	StatePublished State = "published"
)

const (
	WordsPerMinute = 238
	MinTitleLength = 2
)

var (
	ErrBlogNotFound            = errors.New("blog not found")
	ErrBlogTitleOrContentEmpty = errors.New("title and content are required")
	ErrBlogTitleTooShort       = errors.New("title too short")
	ErrInvalidState            = errors.New("invalid blog state")
	ErrAuthorNotFound          = errors.New("blog author not found")
)

func ParseState(s string) (State, error) {
	switch State(s) {
	case StateDraft:
		return StateDraft, nil
	case StatePublished:
		return StatePublished, nil
	default:
		return "", ErrInvalidState
	}
}

type Blog struct {
	ID          int       `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	AuthorID    int       `json:"author_id"`
	AuthorName  string    `json:"author_name,omitempty"`
	State       State     `json:"state"`
	ReadCount   int       `json:"read_count"`
	ReadingTime int       `json:"reading_time"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ReadingTime estimates the minutes needed to read the content.
func ReadingTime(content string) int {
	words := len(strings.Fields(content))
	return (words + WordsPerMinute - 1) / WordsPerMinute
}

// Prepare trims the title and recomputes the reading time. Called before every
// content write.
func (b *Blog) Prepare() {
	b.Title = strings.TrimSpace(b.Title)
	b.ReadingTime = ReadingTime(b.Content)
}

func (b *Blog) Validate() error {
	if strings.TrimSpace(b.Title) == "" || strings.TrimSpace(b.Content) == "" {
		return ErrBlogTitleOrContentEmpty
	}
	if utf8.RuneCountInString(strings.TrimSpace(b.Title)) < MinTitleLength {
		return ErrBlogTitleTooShort
	}
	if _, err := ParseState(string(b.State)); err != nil {
		return err
	}
	return nil
}

func (b *Blog) IsOwnedBy(userID int) bool {
	return b.AuthorID != 0 && b.AuthorID == userID
}

func (b *Blog) IsPublished() bool {
	return b.State == StatePublished
}

// Excerpt returns at most n runes of the content, cut on a word boundary.
func (b *Blog) Excerpt(n int) string {
	content := strings.TrimSpace(b.Content)
	if utf8.RuneCountInString(content) <= n {
		return content
	}
	cut := string([]rune(content)[:n])
	if i := strings.LastIndexAny(cut, " \n\t"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "..."
}
