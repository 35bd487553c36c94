package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"orderflow/internal/cart"
	"orderflow/internal/dispatch"
	"orderflow/internal/idempotency"
	"orderflow/internal/ledger"
	"orderflow/internal/reliability"

	"github.com/go-logr/logr"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestServerImplementsOperationsServer(t *testing.T) {
	var _ OperationsServer = (*Server)(nil)
}

func bufDialer(lis *bufconn.Listener) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.Dial()
	}
}

type methodRecorder struct {
	mu      sync.Mutex
	methods []string
}

func (r *methodRecorder) intercept(ctx context.Context, req any, info *grpcpkg.UnaryServerInfo, handler grpcpkg.UnaryHandler) (any, error) {
	r.mu.Lock()
	r.methods = append(r.methods, info.FullMethod)
	r.mu.Unlock()
	return handler(ctx, req)
}

func newTestClient(t *testing.T, router *dispatch.Router, opts ...grpcpkg.ServerOption) *OperationsClient {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	s := grpcpkg.NewServer(opts...)
	RegisterOperationsServer(s, NewServer(router))
	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(func() {
		s.Stop()
		if err := lis.Close(); err != nil {
			t.Fatalf("close listener: %v", err)
		}
	})

	conn, err := grpcpkg.NewClient(
		"passthrough:///bufnet",
		grpcpkg.WithContextDialer(bufDialer(lis)),
		grpcpkg.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Fatalf("close conn: %v", err)
		}
	})
	return NewOperationsClient(conn)
}

func newCartRouter() *dispatch.Router {
	coord := idempotency.NewCoordinator(ledger.NewMemoryStore(ledger.Options{}), idempotency.Options{
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
	router := dispatch.NewRouter(logr.Discard(), nil)
	dispatch.RegisterCart(router, cart.NewService(coord, cart.NewMemoryStore()))
	return router
}

func mustStruct(t *testing.T, v map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(v)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}

func TestSubmit_CartAddReplays(t *testing.T) {
	t.Parallel()

	recorder := &methodRecorder{}
	client := newTestClient(t, newCartRouter(), grpcpkg.UnaryInterceptor(recorder.intercept))
	req := mustStruct(t, map[string]any{
		"operationKey": "key-1", "type": "cart.add", "user": "u1", "product": "p1", "qty": 2,
	})

	first, err := client.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := client.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	if !first.Fields["success"].GetBoolValue() || first.Fields["status"].GetStringValue() != dispatch.StatusCompleted {
		t.Fatalf("unexpected response %v", first)
	}
	items := second.Fields["data"].GetStructValue().Fields["items"].GetListValue().GetValues()
	if len(items) != 1 || items[0].GetStructValue().Fields["qty"].GetNumberValue() != 2 {
		t.Fatalf("expected a single entry with qty 2, got %v", second)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.methods) != 2 || recorder.methods[0] != SubmitMethod {
		t.Fatalf("expected interceptor to see Submit twice, got %v", recorder.methods)
	}
}

func TestSubmit_InvalidEnvelope(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, newCartRouter())

	_, err := client.Submit(context.Background(), mustStruct(t, map[string]any{"user": "u1"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for missing type, got %v", err)
	}
	_, err = client.Submit(context.Background(), mustStruct(t, map[string]any{"type": "cart.add", "user": "u1"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for invalid cart request, got %v", err)
	}
}

func TestSubmit_MapsOutcomesToCodes(t *testing.T) {
	t.Parallel()

	router := dispatch.NewRouter(logr.Discard(), nil)
	router.Register("in_flight", func(context.Context, dispatch.Envelope) (any, error) { return nil, idempotency.ErrInFlight })
	router.Register("unavailable", func(context.Context, dispatch.Envelope) (any, error) { return nil, reliability.ErrUnavailable })
	router.Register("failed", func(context.Context, dispatch.Envelope) (any, error) { return nil, errors.New("card declined") })
	client := newTestClient(t, router)

	cases := map[string]codes.Code{
		"in_flight":   codes.Aborted,
		"unavailable": codes.Unavailable,
		"failed":      codes.FailedPrecondition,
	}
	for typ, want := range cases {
		_, err := client.Submit(context.Background(), mustStruct(t, map[string]any{"type": typ}))
		if status.Code(err) != want {
			t.Fatalf("%s: expected %v, got %v", typ, want, err)
		}
	}
}
