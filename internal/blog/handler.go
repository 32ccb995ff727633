package blog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/2beens/inkpost/internal/telemetry/metrics"
	"github.com/2beens/inkpost/internal/telemetry/tracing"
	"github.com/2beens/inkpost/internal/users"
	"github.com/2beens/inkpost/internal/web"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type blogRepo interface {
	AddBlog(ctx context.Context, blog *Blog) error
	GetBlog(ctx context.Context, id int) (*Blog, error)
	UpdateBlog(ctx context.Context, blog *Blog) error
	DeleteBlog(ctx context.Context, id int) error
	IncrementReadCount(ctx context.Context, id int) (int, error)
	List(ctx context.Context, params ListParams) ([]*Blog, int, error)
	ByAuthor(ctx context.Context, authorID int) ([]*Blog, error)
}

type blogRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	State   string `json:"state"`
}

type ListView struct {
	web.View
	Blogs         []*Blog
	Pagination    Pagination
	Params        ListParams
	FilterOptions []Option
	SortOptions   []Option
}

type SingleView struct {
	web.View
	Blog    *Blog
	IsOwner bool
}

type FormView struct {
	web.View
	Title   string
	Content string
	State   string
}

type EditView struct {
	web.View
	Blog *Blog
}

type DashboardView struct {
	web.View
	Blogs []*Blog
}

type Handler struct {
	repo           blogRepo
	renderer       *web.Renderer
	metricsManager *metrics.Manager
}

func NewHandler(
	repo blogRepo,
	renderer *web.Renderer,
	metricsManager *metrics.Manager,
) *Handler {
	return &Handler{
		repo:           repo,
		renderer:       renderer,
		metricsManager: metricsManager,
	}
}

// SetupRoutes registers the public routes on public and the rest on
// protected; the guards are attached to the routers by the caller.
func (handler *Handler) SetupRoutes(public, protected *mux.Router) {
	protected.HandleFunc("/blogs/create", handler.handleCreateForm).Methods("GET").Name("create-blog-form")
	protected.HandleFunc("/blog/create", handler.handleCreateForm).Methods("GET").Name("create-blog-form-alias")
	protected.HandleFunc("/blogs/{id:[0-9]+}/edit", handler.handleEditForm).Methods("GET").Name("edit-blog-form")
	protected.HandleFunc("/blogs", handler.handleCreate).Methods("POST").Name("create-blog")
	protected.HandleFunc("/blogs/{id:[0-9]+}", handler.handleUpdate).Methods("PUT").Name("update-blog")
	protected.HandleFunc("/blogs/{id:[0-9]+}", handler.handleDelete).Methods("DELETE").Name("delete-blog")
	protected.HandleFunc("/dashboard", handler.handleDashboard).Methods("GET").Name("dashboard")

	public.HandleFunc("/", handler.handleList).Methods("GET").Name("all-blogs")
	public.HandleFunc("/blogs/{id:[0-9]+}", handler.handleGet).Methods("GET").Name("get-blog")
}

func (handler *Handler) handleCreateForm(w http.ResponseWriter, r *http.Request) {
	user, _ := users.FromContext(r.Context())
	handler.renderer.Render(w, http.StatusOK, web.ViewCreateBlog, FormView{
		View:  web.View{User: user},
		State: string(StateDraft),
	})
}

func (handler *Handler) handleEditForm(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "blogHandler.editForm")
	defer span.End()

	user, blog, ok := handler.ownedBlog(w, r.WithContext(ctx), "Not authorized to edit this blog", "Error loading blog")
	if !ok {
		return
	}

	handler.renderer.Render(w, http.StatusOK, web.ViewEditBlog, EditView{
		View: web.View{User: user},
		Blog: blog,
	})
}

func (handler *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "blogHandler.create")
	defer span.End()

	user, ok := handler.requireUser(w, r)
	if !ok {
		return
	}

	req, err := decodeBlogRequest(r)
	formView := FormView{
		View:    web.View{User: user},
		Title:   req.Title,
		Content: req.Content,
		State:   req.State,
	}
	if err != nil {
		log.Errorf("create blog, decode request: %s", err)
		formView.Error = "Title and Content are required"
		handler.renderer.Render(w, http.StatusBadRequest, web.ViewCreateBlog, formView)
		return
	}

	newBlog := &Blog{
		Title:    req.Title,
		Content:  req.Content,
		State:    State(req.State),
		AuthorID: user.ID,
	}
	if err := newBlog.Validate(); err != nil {
		formView.Error = validationMessage(err)
		handler.renderer.Render(w, http.StatusBadRequest, web.ViewCreateBlog, formView)
		return
	}

	if err := handler.repo.AddBlog(ctx, newBlog); err != nil {
		log.Errorf("add new blog failed: %s", err)
		span.RecordError(err)
		formView.Error = "Error creating blog"
		handler.renderer.Render(w, http.StatusInternalServerError, web.ViewCreateBlog, formView)
		return
	}

	span.SetAttributes(attribute.Int("blog.id", newBlog.ID))
	if handler.metricsManager != nil {
		handler.metricsManager.CounterBlogsCreated.Inc()
	}
	log.Tracef("new blog %d: [%s] added by user %d", newBlog.ID, newBlog.Title, user.ID)

	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (handler *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "blogHandler.update")
	defer span.End()
	r = r.WithContext(ctx)

	user, existing, ok := handler.ownedBlog(w, r, "Not authorized to edit this blog", "Error updating blog")
	if !ok {
		return
	}

	req, err := decodeBlogRequest(r)
	if err != nil {
		log.Errorf("update blog %d, decode request: %s", existing.ID, err)
		handler.renderer.Render(w, http.StatusBadRequest, web.ViewSingleBlog, SingleView{
			View:    web.View{User: user, Error: "Title and Content are required"},
			Blog:    existing,
			IsOwner: true,
		})
		return
	}

	// attempted values, shown back to the user on failure
	updated := *existing
	updated.Title = req.Title
	updated.Content = req.Content
	updated.State = State(req.State)

	if err := updated.Validate(); err != nil {
		handler.renderer.Render(w, http.StatusBadRequest, web.ViewSingleBlog, SingleView{
			View:    web.View{User: user, Error: validationMessage(err)},
			Blog:    &updated,
			IsOwner: true,
		})
		return
	}

	if err := handler.repo.UpdateBlog(ctx, &updated); err != nil {
		if errors.Is(err, ErrBlogNotFound) {
			handler.renderer.Error(w, r, http.StatusNotFound, "Blog not found", "")
			return
		}
		log.Errorf("update blog %d failed: %s", existing.ID, err)
		span.RecordError(err)
		handler.renderer.Render(w, http.StatusInternalServerError, web.ViewSingleBlog, SingleView{
			View:    web.View{User: user, Error: "Error updating blog"},
			Blog:    &updated,
			IsOwner: true,
		})
		return
	}

	log.Tracef("blog %d updated by user %d", updated.ID, user.ID)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (handler *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "blogHandler.delete")
	defer span.End()
	r = r.WithContext(ctx)

	user, blog, ok := handler.ownedBlog(w, r, "Not authorized to delete this blog", "Error deleting blog")
	if !ok {
		return
	}

	if err := handler.repo.DeleteBlog(ctx, blog.ID); err != nil {
		if errors.Is(err, ErrBlogNotFound) {
			handler.renderer.Error(w, r, http.StatusNotFound, "Blog not found", "")
			return
		}
		log.Errorf("delete blog %d failed: %s", blog.ID, err)
		span.RecordError(err)
		handler.renderer.Error(w, r, http.StatusInternalServerError, "Error deleting blog", err.Error())
		return
	}

	log.Tracef("blog %d deleted by user %d", blog.ID, user.ID)
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (handler *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "blogHandler.list")
	defer span.End()

	params := ParseListParams(r.URL.Query())
	blogs, total, err := handler.repo.List(ctx, params)
	if err != nil {
		log.Errorf("list blogs failed: %s", err)
		span.RecordError(err)
		handler.renderer.Error(w, r, http.StatusInternalServerError, "Error fetching blogs", err.Error())
		return
	}

	user, _ := users.FromContext(ctx)
	handler.renderer.Render(w, http.StatusOK, web.ViewAllBlogs, ListView{
		View:          web.View{User: user},
		Blogs:         blogs,
		Pagination:    NewPagination(params, total),
		Params:        params,
		FilterOptions: FilterOptions,
		SortOptions:   SortOptions,
	})
}

// handleGet shows one blog and counts the read. Any visitor counts, in any
// blog state.
func (handler *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "blogHandler.get")
	defer span.End()

	id, ok := handler.blogID(w, r)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int("id", id))

	blog, err := handler.repo.GetBlog(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBlogNotFound) {
			handler.renderer.Error(w, r, http.StatusNotFound, "Blog not found", "")
			return
		}
		log.Errorf("get blog %d failed: %s", id, err)
		span.RecordError(err)
		handler.renderer.Error(w, r, http.StatusInternalServerError, "Error fetching blog", err.Error())
		return
	}

	readCount, err := handler.repo.IncrementReadCount(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBlogNotFound) {
			handler.renderer.Error(w, r, http.StatusNotFound, "Blog not found", "")
			return
		}
		log.Errorf("increment read count of blog %d failed: %s", id, err)
		span.RecordError(err)
		handler.renderer.Error(w, r, http.StatusInternalServerError, "Error fetching blog", err.Error())
		return
	}
	blog.ReadCount = readCount
	if handler.metricsManager != nil {
		handler.metricsManager.CounterBlogReads.Inc()
	}

	user, _ := users.FromContext(ctx)
	handler.renderer.Render(w, http.StatusOK, web.ViewSingleBlog, SingleView{
		View:    web.View{User: user},
		Blog:    blog,
		IsOwner: user != nil && blog.IsOwnedBy(user.ID),
	})
}

func (handler *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "blogHandler.dashboard")
	defer span.End()

	user, ok := handler.requireUser(w, r)
	if !ok {
		return
	}

	blogs, err := handler.repo.ByAuthor(ctx, user.ID)
	if err != nil {
		log.Errorf("dashboard of user %d failed: %s", user.ID, err)
		span.RecordError(err)
		handler.renderer.Error(w, r, http.StatusInternalServerError, "Error loading dashboard", err.Error())
		return
	}

	handler.renderer.Render(w, http.StatusOK, web.ViewDashboard, DashboardView{
		View:  web.View{User: user},
		Blogs: blogs,
	})
}

// ownedBlog loads the blog from the route and checks the requester owns it.
// When it returns false the response has already been written.
func (handler *Handler) ownedBlog(
	w http.ResponseWriter,
	r *http.Request,
	notOwnerMessage string,
	failureMessage string,
) (*users.User, *Blog, bool) {
	user, ok := handler.requireUser(w, r)
	if !ok {
		return nil, nil, false
	}

	id, ok := handler.blogID(w, r)
	if !ok {
		return nil, nil, false
	}

	blog, err := handler.repo.GetBlog(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrBlogNotFound) {
			handler.renderer.Error(w, r, http.StatusNotFound, "Blog not found", "")
			return nil, nil, false
		}
		log.Errorf("get blog %d failed: %s", id, err)
		handler.renderer.Error(w, r, http.StatusInternalServerError, failureMessage, err.Error())
		return nil, nil, false
	}

	if !blog.IsOwnedBy(user.ID) {
		log.Tracef("user %d tried to modify blog %d of user %d", user.ID, blog.ID, blog.AuthorID)
		handler.renderer.Error(w, r, http.StatusForbidden, notOwnerMessage, "")
		return nil, nil, false
	}

	return user, blog, true
}

func (handler *Handler) requireUser(w http.ResponseWriter, r *http.Request) (*users.User, bool) {
	user, ok := users.FromContext(r.Context())
	if !ok {
		// only reachable when a protected route misses the auth guard
		log.Errorf("no user in context for protected route %s", r.URL.Path)
		handler.renderer.Error(w, r, http.StatusUnauthorized, "Access denied, please log in first", "No authentication token provided")
		return nil, false
	}
	return user, true
}

func (handler *Handler) blogID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		handler.renderer.Error(w, r, http.StatusNotFound, "Blog not found", "")
		return 0, false
	}
	return id, true
}

func decodeBlogRequest(r *http.Request) (blogRequest, error) {
	var req blogRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("unmarshal json params: %w", err)
		}
		return req, nil
	}

	// on a bad body PostForm still holds the pairs that parsed
	err := r.ParseForm()
	req = blogRequest{
		Title:   r.PostForm.Get("title"),
		Content: r.PostForm.Get("content"),
		State:   r.PostForm.Get("state"),
	}
	if err != nil {
		return req, fmt.Errorf("parse form: %w", err)
	}
	return req, nil
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, ErrBlogTitleOrContentEmpty):
		return "Title and Content are required"
	case errors.Is(err, ErrBlogTitleTooShort):
		return fmt.Sprintf("Title must be at least %d characters long", MinTitleLength)
	case errors.Is(err, ErrInvalidState):
		return "Invalid blog state"
	default:
		return err.Error()
	}
}
