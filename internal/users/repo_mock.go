package users

import (
	"context"
	"sync"
	"time"
)

// RepoMock is an in-memory users repo, used in handler and middleware tests.
type RepoMock struct {
	Users map[int]*User
	// Err, when set, is returned by every method
	Err   error
	mutex sync.Mutex
}

func NewRepoMock() *RepoMock {
	return &RepoMock{
		Users: make(map[int]*User),
	}
}

func (r *RepoMock) AddUser(_ context.Context, user *User) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.Err != nil {
		return r.Err
	}

	user.Normalize()
	if err := user.Validate(); err != nil {
		return err
	}
	for _, u := range r.Users {
		if u.Email == user.Email {
			return ErrEmailTaken
		}
	}

	user.ID = len(r.Users) + 1
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	stored := *user
	r.Users[user.ID] = &stored
	return nil
}

func (r *RepoMock) GetUser(_ context.Context, id int) (*User, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}

	user, ok := r.Users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user.WithoutPassword(), nil
}

func (r *RepoMock) GetUserByEmail(_ context.Context, email string) (*User, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}

	email = NormalizeEmail(email)
	for _, u := range r.Users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *RepoMock) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := r.GetUserByEmail(ctx, email)
	switch err {
	case nil:
		return true, nil
	case ErrUserNotFound:
		return false, nil
	default:
		return false, err
	}
}
