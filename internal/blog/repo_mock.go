package blog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ blogRepo = (*repoMock)(nil)

// repoMock keeps blogs in memory and mirrors the listing semantics of Repo.
type repoMock struct {
	Posts map[int]*Blog
	// Err, when set, is returned by every method.
	Err    error
	nextID int
	now    func() time.Time
	mutex  sync.Mutex
}

func newRepoMock() *repoMock {
	return &repoMock{
		Posts: make(map[int]*Blog),
		now:   time.Now,
	}
}

func (r *repoMock) PostsCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.Posts)
}

func (r *repoMock) AddBlog(_ context.Context, blog *Blog) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Err != nil {
		return r.Err
	}

	blog.Prepare()
	if err := blog.Validate(); err != nil {
		return err
	}

	if blog.ID == 0 {
		r.nextID++
		blog.ID = r.nextID
	} else if blog.ID > r.nextID {
		r.nextID = blog.ID
	}
	if blog.CreatedAt.IsZero() {
		blog.CreatedAt = r.now()
	}
	blog.UpdatedAt = blog.CreatedAt

	stored := *blog
	r.Posts[blog.ID] = &stored
	return nil
}

func (r *repoMock) GetBlog(_ context.Context, id int) (*Blog, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}

	blog, ok := r.Posts[id]
	if !ok {
		return nil, ErrBlogNotFound
	}
	found := *blog
	return &found, nil
}

func (r *repoMock) UpdateBlog(_ context.Context, blog *Blog) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Err != nil {
		return r.Err
	}

	stored, ok := r.Posts[blog.ID]
	if !ok {
		return ErrBlogNotFound
	}

	blog.Prepare()
	if err := blog.Validate(); err != nil {
		return err
	}

	stored.Title = blog.Title
	stored.Content = blog.Content
	stored.State = blog.State
	stored.ReadingTime = blog.ReadingTime
	stored.UpdatedAt = r.now()
	blog.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *repoMock) DeleteBlog(_ context.Context, id int) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Err != nil {
		return r.Err
	}

	if _, ok := r.Posts[id]; !ok {
		return ErrBlogNotFound
	}
	delete(r.Posts, id)
	return nil
}

func (r *repoMock) IncrementReadCount(_ context.Context, id int) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Err != nil {
		return -1, r.Err
	}

	blog, ok := r.Posts[id]
	if !ok {
		return -1, ErrBlogNotFound
	}
	blog.ReadCount++
	return blog.ReadCount, nil
}

func (r *repoMock) List(_ context.Context, params ListParams) ([]*Blog, int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Err != nil {
		return nil, -1, r.Err
	}

	search := strings.ToLower(params.Search)
	since := params.recentSince(r.now())

	var matching []*Blog
	for _, b := range r.Posts {
		if !b.IsPublished() {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(b.Title), search) &&
			!strings.Contains(strings.ToLower(b.Content), search) {
			continue
		}
		if since != nil && b.CreatedAt.Before(*since) {
			continue
		}
		if params.Filter == FilterPopular && b.ReadCount == 0 {
			continue
		}
		found := *b
		matching = append(matching, &found)
	}

	sort.Slice(matching, func(i, j int) bool {
		a, b := matching[i], matching[j]
		if params.Ascending {
			a, b = b, a
		}
		// descending by default, ties broken by id
		switch params.Sort {
		case SortReadCount:
			if a.ReadCount != b.ReadCount {
				return a.ReadCount > b.ReadCount
			}
		case SortReadingTime:
			if a.ReadingTime != b.ReadingTime {
				return a.ReadingTime > b.ReadingTime
			}
		case SortTitle:
			if a.Title != b.Title {
				return a.Title > b.Title
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID > b.ID
	})

	total := len(matching)
	offset := params.Offset()
	if offset >= total {
		return []*Blog{}, total, nil
	}
	end := min(offset+params.Limit, total)
	return matching[offset:end], total, nil
}

func (r *repoMock) ByAuthor(_ context.Context, authorID int) ([]*Blog, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}

	blogs := []*Blog{}
	for _, b := range r.Posts {
		if b.AuthorID == authorID {
			found := *b
			blogs = append(blogs, &found)
		}
	}
	sort.Slice(blogs, func(i, j int) bool {
		if blogs[i].CreatedAt.Equal(blogs[j].CreatedAt) {
			return blogs[i].ID > blogs[j].ID
		}
		return blogs[i].CreatedAt.After(blogs[j].CreatedAt)
	})
	return blogs, nil
}
