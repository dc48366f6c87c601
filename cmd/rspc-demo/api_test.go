package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/go-json-experiment/json"

	"github.com/tramston/rspc"
	"github.com/tramston/rspc/pubsub"
)

func TestDemoRouterKeys(t *testing.T) {
	router, err := buildRouter(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	if _, ok := router.Get(rspc.KindMutation, "users.create"); !ok {
		t.Error("expected users.create mutation")
	}
	if _, ok := router.Get(rspc.KindSubscription, "users.created"); !ok {
		t.Error("expected users.created subscription")
	}
}

func TestCreateUserRequiresToken(t *testing.T) {
	router, err := buildRouter(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	broker := pubsub.NewMemoryBroker(pubsub.MemoryConfig{})
	defer broker.Close()
	store := &UserStore{}

	req := rspc.Request{
		ID:    rspc.NumberID(1),
		Kind:  rspc.RequestMutation,
		Path:  "users.create",
		Input: []byte(`{"name":"Ada","email":"ada@example.com"}`),
	}

	resp := router.Execute(context.Background(), AppCtx{Broker: broker, Store: store}, req)
	if resp.Result.Code != rspc.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", resp.Result)
	}

	resp = router.Execute(context.Background(), AppCtx{Broker: broker, Store: store, Token: "demo-token"}, req)
	if resp.IsError() {
		t.Fatalf("unexpected error: %+v", resp.Result)
	}
	var u User
	if err := json.Unmarshal(resp.Result.Data, &u); err != nil {
		t.Fatal(err)
	}
	if u.Name != "Ada" || len(store.List()) != 1 {
		t.Errorf("user not stored: %+v", u)
	}
}
