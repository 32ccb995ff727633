package blog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/2beens/inkpost/internal/telemetry/metrics"
	"github.com/2beens/inkpost/internal/users"
	"github.com/2beens/inkpost/internal/web"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testAuthor = &users.User{ID: 1, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}
	testOther  = &users.User{ID: 2, FirstName: "Alan", LastName: "Turing", Email: "alan@example.com"}
)

type testEnv struct {
	router  *mux.Router
	repo    *repoMock
	metrics *metrics.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	renderer, err := web.NewRenderer()
	require.NoError(t, err)

	repo := newRepoMock()
	metricsManager := metrics.NewTestManager()
	handler := NewHandler(repo, renderer, metricsManager)

	r := mux.NewRouter()
	protected := r.NewRoute().Subrouter()
	protected.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if _, ok := users.FromContext(req.Context()); !ok {
				http.Error(w, "no can do", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	public := r.NewRoute().Subrouter()
	handler.SetupRoutes(public, protected)
	r.NotFoundHandler = renderer.NotFound()
	r.MethodNotAllowedHandler = renderer.MethodNotAllowed()

	return &testEnv{
		router:  r,
		repo:    repo,
		metrics: metricsManager,
	}
}

func (e *testEnv) addBlog(t *testing.T, authorID int, title string, state State, createdAt time.Time) *Blog {
	t.Helper()
	b := &Blog{
		Title:     title,
		Content:   fmt.Sprintf("content of %s", title),
		AuthorID:  authorID,
		State:     state,
		CreatedAt: createdAt,
	}
	require.NoError(t, e.repo.AddBlog(context.Background(), b))
	return b
}

func (e *testEnv) do(t *testing.T, req *http.Request, user *users.User) *httptest.ResponseRecorder {
	t.Helper()
	if user != nil {
		req = req.WithContext(users.NewContext(req.Context(), user))
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func formRequest(t *testing.T, method, path string, values url.Values) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, path, strings.NewReader(values.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHandler_Routes(t *testing.T) {
	env := newTestEnv(t)

	for caseName, route := range map[string]struct {
		name   string
		path   string
		method string
	}{
		"all-blogs":              {name: "all-blogs", path: "/", method: "GET"},
		"get-blog":               {name: "get-blog", path: "/blogs/12", method: "GET"},
		"create-blog-form":       {name: "create-blog-form", path: "/blogs/create", method: "GET"},
		"create-blog-form-alias": {name: "create-blog-form-alias", path: "/blog/create", method: "GET"},
		"edit-blog-form":         {name: "edit-blog-form", path: "/blogs/3/edit", method: "GET"},
		"create-blog":            {name: "create-blog", path: "/blogs", method: "POST"},
		"update-blog":            {name: "update-blog", path: "/blogs/3", method: "PUT"},
		"delete-blog":            {name: "delete-blog", path: "/blogs/3", method: "DELETE"},
		"dashboard":              {name: "dashboard", path: "/dashboard", method: "GET"},
	} {
		t.Run(caseName, func(t *testing.T) {
			req, err := http.NewRequest(route.method, route.path, nil)
			require.NoError(t, err)

			muxRoute := env.router.Get(route.name)
			require.NotNil(t, muxRoute)
			assert.True(t, muxRoute.Match(req, &mux.RouteMatch{}), caseName)
		})
	}
}

func TestHandler_ProtectedRoutesNeedUser(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlog(t, testAuthor.ID, "guarded", StatePublished, time.Now())

	for _, tc := range []struct {
		method string
		path   string
	}{
		{"GET", "/blogs/create"},
		{"GET", "/dashboard"},
		{"GET", fmt.Sprintf("/blogs/%d/edit", b.ID)},
		{"POST", "/blogs"},
		{"PUT", fmt.Sprintf("/blogs/%d", b.ID)},
		{"DELETE", fmt.Sprintf("/blogs/%d", b.ID)},
	} {
		req, err := http.NewRequest(tc.method, tc.path, nil)
		require.NoError(t, err)
		rr := env.do(t, req, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "%s %s", tc.method, tc.path)
	}
	assert.Equal(t, 1, env.repo.PostsCount())
}

func TestHandler_CreateForm(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/blogs/create", "/blog/create"} {
		req, err := http.NewRequest("GET", path, nil)
		require.NoError(t, err)
		rr := env.do(t, req, testAuthor)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
		assert.Contains(t, rr.Body.String(), `action="/blogs"`)
	}
}

func TestHandler_Create(t *testing.T) {
	env := newTestEnv(t)

	content := strings.TrimSpace(strings.Repeat("word ", 300))
	req := formRequest(t, "POST", "/blogs", url.Values{
		"title":   {"  My first post  "},
		"content": {content},
		"state":   {"published"},
	})
	rr := env.do(t, req, testAuthor)
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/dashboard", rr.Header().Get("Location"))

	require.Equal(t, 1, env.repo.PostsCount())
	created := env.repo.Posts[1]
	require.NotNil(t, created)
	assert.Equal(t, "My first post", created.Title)
	assert.Equal(t, testAuthor.ID, created.AuthorID)
	assert.Equal(t, StatePublished, created.State)
	assert.Equal(t, 0, created.ReadCount)
	// 300 words at 238 wpm
	assert.Equal(t, 2, created.ReadingTime)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.CounterBlogsCreated))
}

func TestHandler_Create_JSON(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest("POST", "/blogs", strings.NewReader(`{"title":"json post","content":"some content","state":"draft"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := env.do(t, req, testAuthor)
	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, 1, env.repo.PostsCount())
	assert.Equal(t, StateDraft, env.repo.Posts[1].State)
}

func TestHandler_Create_Invalid(t *testing.T) {
	env := newTestEnv(t)

	for caseName, tc := range map[string]struct {
		values  url.Values
		message string
	}{
		"missing content": {
			values:  url.Values{"title": {"a title"}, "state": {"draft"}},
			message: "Title and Content are required",
		},
		"missing title": {
			values:  url.Values{"content": {"content"}, "state": {"draft"}},
			message: "Title and Content are required",
		},
		"short title": {
			values:  url.Values{"title": {"x"}, "content": {"content"}, "state": {"draft"}},
			message: "Title must be at least 2 characters long",
		},
		"invalid state": {
			values:  url.Values{"title": {"a title"}, "content": {"content"}, "state": {"archived"}},
			message: "Invalid blog state",
		},
		"missing state": {
			values:  url.Values{"title": {"a title"}, "content": {"content"}},
			message: "Invalid blog state",
		},
		"padded state": {
			values:  url.Values{"title": {"a title"}, "content": {"content"}, "state": {" published"}},
			message: "Invalid blog state",
		},
	} {
		t.Run(caseName, func(t *testing.T) {
			rr := env.do(t, formRequest(t, "POST", "/blogs", tc.values), testAuthor)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), tc.message)
		})
	}
	assert.Equal(t, 0, env.repo.PostsCount())
}

func TestHandler_Create_RepoError(t *testing.T) {
	env := newTestEnv(t)
	env.repo.Err = errors.New("db gone")

	req := formRequest(t, "POST", "/blogs", url.Values{
		"title":   {"keep me"},
		"content": {"typed content"},
		"state":   {"draft"},
	})
	rr := env.do(t, req, testAuthor)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "Error creating blog")
	// typed values are kept in the form
	assert.Contains(t, body, "keep me")
	assert.Contains(t, body, "typed content")
}

func TestHandler_Create_MalformedForm(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest("POST", "/blogs", strings.NewReader("title=keep+me&content=%zz&state=draft"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := env.do(t, req, testAuthor)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "Title and Content are required")
	assert.Contains(t, body, `value="keep me"`)
	assert.Equal(t, 0, env.repo.PostsCount())
}

func TestHandler_Get_IncrementsReadCount(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlog(t, testAuthor.ID, "read me", StatePublished, time.Now())
	require.Equal(t, 0, env.repo.Posts[b.ID].ReadCount)

	path := fmt.Sprintf("/blogs/%d", b.ID)
	req, err := http.NewRequest("GET", path, nil)
	require.NoError(t, err)

	rr := env.do(t, req, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "read me")
	assert.Contains(t, rr.Body.String(), "1 reads")
	assert.Equal(t, 1, env.repo.Posts[b.ID].ReadCount)

	rr = env.do(t, req, testOther)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, env.repo.Posts[b.ID].ReadCount)
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.CounterBlogReads))
}

func TestHandler_Get_OwnerControls(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlog(t, testAuthor.ID, "owned", StateDraft, time.Now())

	req, err := http.NewRequest("GET", fmt.Sprintf("/blogs/%d", b.ID), nil)
	require.NoError(t, err)

	rr := env.do(t, req, testAuthor)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `value="DELETE"`)

	rr = env.do(t, req, testOther)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), `value="DELETE"`)

	rr = env.do(t, req, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), `value="DELETE"`)
}

func TestHandler_Get_NotFound(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest("GET", "/blogs/404", nil)
	require.NoError(t, err)
	rr := env.do(t, req, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "Blog not found")

	req, err = http.NewRequest("GET", "/blogs/not-a-number", nil)
	require.NoError(t, err)
	rr = env.do(t, req, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "The page you are looking for does not exist.")
}

func TestHandler_Get_RepoError(t *testing.T) {
	env := newTestEnv(t)
	env.repo.Err = errors.New("db gone")

	req, err := http.NewRequest("GET", "/blogs/1", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")

	rr := env.do(t, req, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Error fetching blog", resp["message"])
	assert.Equal(t, "db gone", resp["error"])
}

func TestHandler_EditForm(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlog(t, testAuthor.ID, "editable", StateDraft, time.Now())
	path := fmt.Sprintf("/blogs/%d/edit", b.ID)

	req, err := http.NewRequest("GET", path, nil)
	require.NoError(t, err)

	rr := env.do(t, req, testAuthor)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "editable")

	rr = env.do(t, req, testOther)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "Not authorized to edit this blog")
}

func TestHandler_Update(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlog(t, testAuthor.ID, "before", StateDraft, time.Now().Add(-time.Hour))
	env.repo.Posts[b.ID].ReadCount = 7
	path := fmt.Sprintf("/blogs/%d", b.ID)

	values := url.Values{
		"title":   {"after"},
		"content": {strings.TrimSpace(strings.Repeat("word ", 500))},
		"state":   {"published"},
	}

	rr := env.do(t, formRequest(t, "PUT", path, values), testOther)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "before", env.repo.Posts[b.ID].Title)

	rr = env.do(t, formRequest(t, "PUT", path, values), testAuthor)
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/", rr.Header().Get("Location"))

	updated := env.repo.Posts[b.ID]
	assert.Equal(t, "after", updated.Title)
	assert.Equal(t, StatePublished, updated.State)
	assert.Equal(t, 3, updated.ReadingTime)
	assert.Equal(t, 7, updated.ReadCount)
	assert.Equal(t, b.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))
}

func TestHandler_Update_Invalid(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlog(t, testAuthor.ID, "stable title", StateDraft, time.Now())
	path := fmt.Sprintf("/blogs/%d", b.ID)

	rr := env.do(t, formRequest(t, "PUT", path, url.Values{
		"title":   {"attempted title"},
		"content": {"attempted content"},
		"state":   {"hidden"},
	}), testAuthor)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "Invalid blog state")
	assert.Contains(t, rr.Body.String(), "attempted title")
	assert.Equal(t, "stable title", env.repo.Posts[b.ID].Title)

	rr = env.do(t, formRequest(t, "PUT", "/blogs/999", url.Values{
		"title": {"t1"}, "content": {"c"}, "state": {"draft"},
	}), testAuthor)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_Delete(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlog(t, testAuthor.ID, "doomed", StatePublished, time.Now())
	path := fmt.Sprintf("/blogs/%d", b.ID)

	req, err := http.NewRequest("DELETE", path, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")

	rr := env.do(t, req, testOther)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Not authorized to delete this blog", resp["message"])
	assert.Equal(t, 1, env.repo.PostsCount())

	rr = env.do(t, req, testAuthor)
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/dashboard", rr.Header().Get("Location"))
	assert.Equal(t, 0, env.repo.PostsCount())

	rr = env.do(t, req, testAuthor)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_List(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	for i := 1; i <= 25; i++ {
		env.addBlog(t, testAuthor.ID, fmt.Sprintf("published %02d", i), StatePublished, now.Add(-time.Duration(i)*time.Hour))
	}
	env.addBlog(t, testAuthor.ID, "secret draft", StateDraft, now)

	req, err := http.NewRequest("GET", "/", nil)
	require.NoError(t, err)
	rr := env.do(t, req, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "25 posts found")
	assert.Contains(t, body, "Page 1 of 2")
	assert.Contains(t, body, "published 01")
	assert.NotContains(t, body, "published 21")
	assert.NotContains(t, body, "secret draft")

	req, err = http.NewRequest("GET", "/?page=2", nil)
	require.NoError(t, err)
	rr = env.do(t, req, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body = rr.Body.String()
	assert.Contains(t, body, "Page 2 of 2")
	assert.Contains(t, body, "published 25")
	assert.NotContains(t, body, "published 01")

	req, err = http.NewRequest("GET", "/?search=published+07", nil)
	require.NoError(t, err)
	rr = env.do(t, req, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "1 posts found")
}

func TestHandler_List_PageOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	env.addBlog(t, testAuthor.ID, "only post", StatePublished, time.Now())

	req, err := http.NewRequest("GET", "/?page=922337203685477581&limit=16", nil)
	require.NoError(t, err)
	rr := env.do(t, req, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "1 posts found")
	assert.Contains(t, body, "No posts yet.")
	assert.NotContains(t, body, "only post")
}

func TestHandler_List_RepoError(t *testing.T) {
	env := newTestEnv(t)
	env.repo.Err = errors.New("db gone")

	req, err := http.NewRequest("GET", "/", nil)
	require.NoError(t, err)
	rr := env.do(t, req, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "Error fetching blogs")
}

func TestHandler_Dashboard(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	env.addBlog(t, testAuthor.ID, "older draft", StateDraft, now.Add(-time.Hour))
	env.addBlog(t, testAuthor.ID, "newer post", StatePublished, now)
	env.addBlog(t, testOther.ID, "not mine", StatePublished, now)

	req, err := http.NewRequest("GET", "/dashboard", nil)
	require.NoError(t, err)
	rr := env.do(t, req, testAuthor)
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, "older draft")
	assert.Contains(t, body, "newer post")
	assert.NotContains(t, body, "not mine")
	assert.Less(t, strings.Index(body, "newer post"), strings.Index(body, "older draft"))

	env.repo.Err = errors.New("db gone")
	rr = env.do(t, req, testAuthor)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "Error loading dashboard")
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest("PATCH", "/blogs/1", nil)
	require.NoError(t, err)
	rr := env.do(t, req, testAuthor)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
