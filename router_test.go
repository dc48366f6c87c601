package rspc

import (
	"context"
	"strings"
	"testing"
)

func pingResolver() Resolver[testCtx] {
	return Immediate(func(ctx context.Context, _ testCtx, _ struct{}) (string, error) {
		return "pong", nil
	})
}

func TestRouterRejectsInvalidKeys(t *testing.T) {
	for _, key := range []string{"", "ws", "_batch", "rpc.call", "rspc.internal", "has space", "slash/key"} {
		_, err := NewRouter[testCtx]().Query(key, pingResolver()).Build()
		if err == nil {
			t.Errorf("Expected key %q to be rejected", key)
		}
	}
	if _, err := NewRouter[testCtx]().Query("users.get-by_id", pingResolver()).Build(); err != nil {
		t.Errorf("Valid key rejected: %v", err)
	}
}

func TestRouterRejectsDuplicates(t *testing.T) {
	_, err := NewRouter[testCtx]().
		Query("ping", pingResolver()).
		Query("ping", pingResolver()).
		Build()
	if err == nil || !strings.Contains(err.Error(), "more than once") {
		t.Fatalf("Expected duplicate error, got %v", err)
	}

	// The same key may be used once per kind.
	_, err = NewRouter[testCtx]().
		Query("ping", pingResolver()).
		Mutation("ping", pingResolver()).
		Subscription("ping", pingResolver()).
		Build()
	if err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestRouterRejectsStreamingQuery(t *testing.T) {
	stream := Stream(func(ctx context.Context, _ testCtx, _ struct{}) (<-chan int, error) {
		return make(chan int), nil
	})
	_, err := NewRouter[testCtx]().Query("numbers", stream).Build()
	if err == nil || !strings.Contains(err.Error(), "only allowed on subscriptions") {
		t.Fatalf("Expected streaming error, got %v", err)
	}
	if _, err := NewRouter[testCtx]().Subscription("numbers", stream).Build(); err != nil {
		t.Errorf("Streaming subscription rejected: %v", err)
	}
}

func TestRouterReportsAllErrors(t *testing.T) {
	_, err := NewRouter[testCtx]().
		Query("", pingResolver()).
		Query("ws", pingResolver()).
		Build()
	if err == nil {
		t.Fatal("Expected errors")
	}
	if !strings.Contains(err.Error(), "empty") || !strings.Contains(err.Error(), "reserved") {
		t.Errorf("Expected both problems to be reported, got %v", err)
	}
}

func TestRouterMerge(t *testing.T) {
	rec := &recorder{}
	users := NewRouter[testCtx]().
		Use(tracing[testCtx](rec, "users")).
		Query("list", pingResolver())
	router := NewRouter[testCtx]().
		Query("ping", pingResolver()).
		Merge("users", users).
		MustBuild()

	if _, ok := router.Get(KindQuery, "users.list"); !ok {
		t.Fatalf("Merged key missing, have %v", router.Keys(KindQuery))
	}
	execQuery(t, router, testCtx{}, "users.list", "")
	if rec.String() != "users.before,users.after" {
		t.Errorf("Merged middleware did not run: %s", rec.String())
	}
	rec.calls = nil
	execQuery(t, router, testCtx{}, "ping", "")
	if rec.String() != "" {
		t.Errorf("Merged middleware leaked to other procedures: %s", rec.String())
	}

	if _, err := NewRouter[testCtx]().Merge("bad.prefix", users).Build(); err == nil {
		t.Error("Expected invalid prefix to be rejected")
	}
}

func TestRouterDefinitions(t *testing.T) {
	router := NewRouter[testCtx]().
		Subscription("b", pingResolver()).
		Mutation("z", pingResolver()).
		Query("y", echoResolver()).
		Query("a", pingResolver()).
		MustBuild()

	defs := router.Definitions()
	var got []string
	for _, d := range defs {
		got = append(got, string(d.Kind)+":"+d.Key)
	}
	want := "query:a,query:y,mutation:z,subscription:b"
	if strings.Join(got, ",") != want {
		t.Errorf("Expected %s, got %s", want, strings.Join(got, ","))
	}
	y, _ := router.Get(KindQuery, "y")
	if y.Input.Name() != "EchoInput" || y.Output.Name() != "EchoOutput" || y.Shape != ShapeImmediate {
		t.Errorf("Unexpected definition: %+v", y)
	}
}

func TestRouterInvokeUnknown(t *testing.T) {
	router := NewRouter[testCtx]().Query("ping", pingResolver()).MustBuild()
	_, err := router.Invoke(context.Background(), testCtx{}, KindMutation, "ping", nil)
	if AsError(err).Code != CodeNotFound {
		t.Errorf("Expected not_found, got %v", err)
	}
}

func TestRequestMetaInContext(t *testing.T) {
	var seen RequestMeta
	router := NewRouter[testCtx]().
		Query("meta", Immediate(func(ctx context.Context, _ testCtx, _ struct{}) (bool, error) {
			var ok bool
			seen, ok = RequestMetaFromContext(ctx)
			return ok, nil
		})).
		MustBuild()
	execQuery(t, router, testCtx{}, "meta", "")
	if seen.Kind != KindQuery || seen.Key != "meta" {
		t.Errorf("Unexpected meta: %+v", seen)
	}
}
