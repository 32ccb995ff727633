package blog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2beens/inkpost/internal/telemetry/tracing"
	"github.com/2beens/inkpost/pkg"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
)

// manual caching of blog posts not needed (at least for this use case):
// https://github.com/jackc/pgx/wiki/Automatic-Prepared-Statement-Caching

const selectBlogWithAuthor = `
	SELECT
		b.id, b.title, b.content, b.author_id, u.first_name, u.last_name,
		b.state, b.read_count, b.reading_time, b.created_at, b.updated_at
	FROM blogs b
	JOIN users u ON u.id = b.author_id`

// listWhere is shared by List and Count, so the total always matches the page.
const listWhere = `
	WHERE b.state = 'published'
		AND ($1::text = '' OR b.title ILIKE $1 ESCAPE '\' OR b.content ILIKE $1 ESCAPE '\')
		AND ($2::timestamptz IS NULL OR b.created_at >= $2)
		AND ($3::boolean IS FALSE OR b.read_count > 0)`

var _ blogRepo = (*Repo)(nil)

type Repo struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewRepo(db *pgxpool.Pool) *Repo {
	return &Repo{
		db:  db,
		now: time.Now,
	}
}

func (r *Repo) AddBlog(ctx context.Context, blog *Blog) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.blog.add")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	blog.Prepare()
	if err := blog.Validate(); err != nil {
		return err
	}

	err = r.db.QueryRow(
		ctx,
		`INSERT INTO blogs (title, content, author_id, state, reading_time)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, read_count, created_at, updated_at;`,
		blog.Title, blog.Content, blog.AuthorID, string(blog.State), blog.ReadingTime,
	).Scan(&blog.ID, &blog.ReadCount, &blog.CreatedAt, &blog.UpdatedAt)
	if err != nil {
		if pkg.IsForeignKeyViolationError(err) {
			return ErrAuthorNotFound
		}
		if isStateCheckViolation(err) {
			return ErrInvalidState
		}
		return fmt.Errorf("insert blog: %w", err)
	}

	span.SetAttributes(attribute.Int("blog.id", blog.ID))
	return nil
}

func (r *Repo) GetBlog(ctx context.Context, id int) (_ *Blog, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.blog.get")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.Int("id", id))

	rows, err := r.db.Query(ctx, selectBlogWithAuthor+` WHERE b.id = $1;`, id)
	if err != nil {
		return nil, fmt.Errorf("get blog: %w", err)
	}
	defer rows.Close()

	blogs, err := r.rows2blogs(rows)
	if err != nil {
		return nil, err
	}
	if len(blogs) == 0 {
		return nil, ErrBlogNotFound
	}

	return blogs[0], nil
}

// UpdateBlog updates title, content and state. Reading time is recomputed,
// read count and created_at stay untouched.
func (r *Repo) UpdateBlog(ctx context.Context, blog *Blog) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.blog.update")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.Int("id", blog.ID))

	blog.Prepare()
	if err := blog.Validate(); err != nil {
		return err
	}

	err = r.db.QueryRow(
		ctx,
		`UPDATE blogs
			SET title = $1, content = $2, state = $3, reading_time = $4, updated_at = now()
			WHERE id = $5
			RETURNING updated_at;`,
		blog.Title, blog.Content, string(blog.State), blog.ReadingTime, blog.ID,
	).Scan(&blog.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBlogNotFound
		}
		if isStateCheckViolation(err) {
			return ErrInvalidState
		}
		return fmt.Errorf("update blog: %w", err)
	}

	return nil
}

func isStateCheckViolation(err error) bool {
	return pkg.IsCheckViolationError(err) && pkg.PgConstraintName(err) == "blogs_state_check"
}

func (r *Repo) DeleteBlog(ctx context.Context, id int) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.blog.delete")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.Int("id", id))

	tag, err := r.db.Exec(ctx, `DELETE FROM blogs WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete blog: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlogNotFound
	}
	return nil
}

// IncrementReadCount bumps the read count by one in a single statement and
// returns the new value.
func (r *Repo) IncrementReadCount(ctx context.Context, id int) (_ int, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.blog.incrementReadCount")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.Int("id", id))

	var readCount int
	err = r.db.QueryRow(
		ctx,
		`UPDATE blogs SET read_count = read_count + 1 WHERE id = $1 RETURNING read_count;`,
		id,
	).Scan(&readCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return -1, ErrBlogNotFound
		}
		return -1, fmt.Errorf("increment read count: %w", err)
	}

	return readCount, nil
}

// List returns one page of published blogs matching the params, together
// with the total count of matching blogs.
func (r *Repo) List(ctx context.Context, params ListParams) (_ []*Blog, total int, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.blog.list")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.Int("page", params.Page))
	span.SetAttributes(attribute.Int("limit", params.Limit))
	span.SetAttributes(attribute.String("sort", string(params.Sort)))
	span.SetAttributes(attribute.String("filter", string(params.Filter)))

	if params.Page < 1 {
		return nil, -1, errors.New("page must be greater than 0")
	}
	if params.Limit < 1 {
		return nil, -1, errors.New("limit must be greater than 0")
	}

	total, err = r.Count(ctx, params)
	if err != nil {
		return nil, -1, err
	}
	span.SetAttributes(attribute.Int("total", total))

	if params.Offset() >= total {
		return []*Blog{}, total, nil
	}

	rows, err := r.db.Query(
		ctx,
		selectBlogWithAuthor+listWhere+`
			ORDER BY `+params.orderBy()+`
			LIMIT $4
			OFFSET $5;`,
		params.searchPattern(), params.recentSince(r.now()), params.Filter == FilterPopular,
		params.Limit, params.Offset(),
	)
	if err != nil {
		return nil, -1, fmt.Errorf("list blogs: %w", err)
	}
	defer rows.Close()

	blogs, err := r.rows2blogs(rows)
	if err != nil {
		return nil, -1, err
	}
	return blogs, total, nil
}

func (r *Repo) Count(ctx context.Context, params ListParams) (_ int, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.blog.count")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	var count int
	err = r.db.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM blogs b`+listWhere+`;`,
		params.searchPattern(), params.recentSince(r.now()), params.Filter == FilterPopular,
	).Scan(&count)
	if err != nil {
		return -1, fmt.Errorf("count blogs: %w", err)
	}

	return count, nil
}

// ByAuthor returns all blogs of the author, in any state, newest first.
func (r *Repo) ByAuthor(ctx context.Context, authorID int) (_ []*Blog, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "repo.blog.byAuthor")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.Int("author_id", authorID))

	rows, err := r.db.Query(
		ctx,
		selectBlogWithAuthor+`
			WHERE b.author_id = $1
			ORDER BY b.created_at DESC, b.id DESC;`,
		authorID,
	)
	if err != nil {
		return nil, fmt.Errorf("blogs by author: %w", err)
	}
	defer rows.Close()

	return r.rows2blogs(rows)
}

func (r *Repo) rows2blogs(rows pgx.Rows) ([]*Blog, error) {
	blogs := []*Blog{}
	for rows.Next() {
		var b Blog
		var state, firstName, lastName string
		if err := rows.Scan(
			&b.ID, &b.Title, &b.Content, &b.AuthorID, &firstName, &lastName,
			&state, &b.ReadCount, &b.ReadingTime, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan blog: %w", err)
		}
		b.State = State(state)
		b.AuthorName = firstName + " " + lastName
		blogs = append(blogs, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blogs: %w", err)
	}
	return blogs, nil
}
