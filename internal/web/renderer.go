package web

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/2beens/inkpost/internal/users"
	"github.com/2beens/inkpost/pkg"

	log "github.com/sirupsen/logrus"
)

//go:embed templates/*.html
var templatesFS embed.FS

const (
	partialsFile = "templates/partials.html"

	ViewAllBlogs   = "all-blogs.html"
	ViewSingleBlog = "single-blog.html"
	ViewCreateBlog = "create-blog.html"
	ViewEditBlog   = "edit-blog.html"
	ViewDashboard  = "dashboard.html"
	ViewSignup     = "user-signup.html"
	ViewLogin      = "user-login.html"
	ViewError      = "error.html"
)

// View is embedded in every page's data, the header partial reads it.
type View struct {
	User  *users.User
	Error string
}

type ErrorView struct {
	View
	Status  int
	Message string
	Detail  string
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

var funcs = template.FuncMap{
	"formatDate": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("Jan 2, 2006")
	},
	"paragraphs": func(content string) []string {
		var out []string
		for _, p := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	},
}

// Renderer holds one template set per page, each one parsed together with
// the shared partials.
type Renderer struct {
	pages map[string]*template.Template
}

func NewRenderer() (*Renderer, error) {
	pageFiles, err := fs.Glob(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("glob templates: %w", err)
	}

	pages := make(map[string]*template.Template, len(pageFiles))
	for _, file := range pageFiles {
		if file == partialsFile {
			continue
		}
		name := strings.TrimPrefix(file, "templates/")
		tmpl, err := template.New(name).Funcs(funcs).ParseFS(templatesFS, partialsFile, file)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		pages[name] = tmpl
	}

	return &Renderer{pages: pages}, nil
}

// Render executes the page into a buffer first, so a failing template never
// leaves a half written response behind.
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, data any) {
	tmpl, ok := r.pages[name]
	if !ok {
		log.Errorf("render: unknown template [%s]", name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		log.Errorf("render template [%s]: %s", name, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	pkg.WriteResponseBytes(w, pkg.ContentType.HTML, buf.Bytes(), status)
}

// Error answers with the error page, or with a JSON body when the client
// asks for JSON and not for HTML.
func (r *Renderer) Error(w http.ResponseWriter, req *http.Request, status int, message, detail string) {
	if WantsJSON(req) {
		body, err := json.Marshal(errorResponse{Message: message, Error: detail})
		if err != nil {
			log.Errorf("marshal error response: %s", err)
			http.Error(w, message, status)
			return
		}
		pkg.WriteResponseBytes(w, pkg.ContentType.JSON, body, status)
		return
	}

	user, _ := users.FromContext(req.Context())
	r.Render(w, status, ViewError, ErrorView{
		View:    View{User: user},
		Status:  status,
		Message: message,
		Detail:  detail,
	})
}

func WantsJSON(req *http.Request) bool {
	accept := strings.ToLower(req.Header.Get("Accept"))
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

// NotFound and MethodNotAllowed are the router level fallbacks.
func (r *Renderer) NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.Error(w, req, http.StatusNotFound, "The page you are looking for does not exist.", "404 Not Found")
	})
}

func (r *Renderer) MethodNotAllowed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.Error(w, req, http.StatusMethodNotAllowed, "This action is not allowed here.", "405 Method Not Allowed")
	})
}
