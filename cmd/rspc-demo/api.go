package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tramston/rspc"
	"github.com/tramston/rspc/pubsub"
)

const userCreatedTopic = "users.created"

// AppCtx is the context every procedure starts from.
type AppCtx struct {
	Broker pubsub.Broker
	Store  *UserStore
	Token  string
}

// AuthedCtx is available to procedures behind authMiddleware.
type AuthedCtx struct {
	AppCtx
	User string
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type CreateUserInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type UserCreatedEvent struct {
	User      User   `json:"user"`
	CreatedBy string `json:"createdBy"`
}

type TickInput struct {
	Count    int `json:"count"`
	Interval int `json:"intervalMs"`
}

// UserStore keeps users in memory.
type UserStore struct {
	mu     sync.RWMutex
	users  []User
	nextID int
}

func (s *UserStore) Add(name, email string) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	u := User{ID: fmt.Sprintf("user_%d", s.nextID), Name: name, Email: email}
	s.users = append(s.users, u)
	return u
}

func (s *UserStore) List() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]User(nil), s.users...)
}

// tokens maps bearer tokens to user names.
var tokens = map[string]string{
	"demo-token": "demo",
}

// contextFunc builds AppCtx from the bearer token of the request.
func contextFunc(broker pubsub.Broker, store *UserStore) rspc.ContextFunc[AppCtx] {
	return func(ctx context.Context, r *http.Request) (AppCtx, error) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		return AppCtx{Broker: broker, Store: store, Token: token}, nil
	}
}

// authMiddleware resolves the caller from the token and rejects anonymous
// calls.
func authMiddleware(ctx context.Context, c AppCtx, mw rspc.MiddlewareContext) (rspc.Outcome[AuthedCtx], error) {
	user, ok := tokens[c.Token]
	if !ok {
		return rspc.Outcome[AuthedCtx]{}, rspc.ErrUnauthorized("authentication required")
	}
	return rspc.Next(mw, AuthedCtx{AppCtx: c, User: user}), nil
}

func usersRouter(logger *slog.Logger) *rspc.RouterBuilder[AppCtx] {
	authed := rspc.With(rspc.NewChain[AppCtx](), rspc.Middleware[AppCtx, AuthedCtx](authMiddleware))

	return rspc.NewRouter[AppCtx]().
		Use(rspc.LoggingMiddleware[AppCtx](logger)).
		Query("list", rspc.Immediate(func(ctx context.Context, c AppCtx, _ struct{}) ([]User, error) {
			return c.Store.List(), nil
		})).
		Procedure("create", authed.Mutation(rspc.Immediate(func(ctx context.Context, c AuthedCtx, in CreateUserInput) (User, error) {
			if in.Name == "" || in.Email == "" {
				return User{}, rspc.ErrBadRequest("name and email are required")
			}
			u := c.Store.Add(in.Name, in.Email)
			if err := pubsub.PublishJSON(ctx, c.Broker, userCreatedTopic, UserCreatedEvent{User: u, CreatedBy: c.User}); err != nil {
				return User{}, err
			}
			return u, nil
		}))).
		Subscription("created", rspc.Stream(func(ctx context.Context, c AppCtx, _ struct{}) (<-chan UserCreatedEvent, error) {
			return pubsub.Stream[UserCreatedEvent](ctx, c.Broker, userCreatedTopic)
		}))
}

func buildRouter(logger *slog.Logger) (*rspc.Router[AppCtx], error) {
	return rspc.NewRouter[AppCtx]().
		Query("version", rspc.Immediate(func(ctx context.Context, _ AppCtx, _ struct{}) (string, error) {
			return version, nil
		})).
		Subscription("ticks", rspc.Stream(func(ctx context.Context, _ AppCtx, in TickInput) (<-chan int, error) {
			if in.Count <= 0 {
				in.Count = 5
			}
			interval := time.Duration(max(in.Interval, 10)) * time.Millisecond
			out := make(chan int)
			go func() {
				defer close(out)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for i := 1; i <= in.Count; i++ {
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
					select {
					case out <- i:
					case <-ctx.Done():
						return
					}
				}
			}()
			return out, nil
		})).
		Merge("users", usersRouter(logger)).
		Build()
}
