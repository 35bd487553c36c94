package grpc

import (
	"context"
	"encoding/json"

	"orderflow/internal/dispatch"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Dispatcher runs decoded envelopes.
type Dispatcher interface {
	Dispatch(ctx context.Context, env dispatch.Envelope) dispatch.Response
}

// Server adapts the dispatch router to gRPC.
type Server struct {
	router Dispatcher
}

// NewServer constructs a Server over router.
func NewServer(router Dispatcher) *Server {
	return &Server{router: router}
}

// Submit decodes the envelope, dispatches it and maps unsuccessful outcomes to gRPC status codes.
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode envelope: %v", err)
	}
	env, err := dispatch.Decode(raw)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	resp := s.router.Dispatch(ctx, env)
	if !resp.Success {
		return nil, mapResponse(ctx, resp)
	}

	out := new(structpb.Struct)
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	if err := protojson.Unmarshal(body, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func mapResponse(ctx context.Context, resp dispatch.Response) error {
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	switch resp.Status {
	case dispatch.StatusInvalid:
		return status.Error(codes.InvalidArgument, resp.ErrorDetail)
	case dispatch.StatusInFlight:
		return status.Error(codes.Aborted, resp.ErrorDetail)
	case dispatch.StatusUnavailable:
		return status.Error(codes.Unavailable, resp.ErrorDetail)
	case dispatch.StatusFailed:
		if resp.Retryable {
			return status.Error(codes.Unavailable, resp.ErrorDetail)
		}
		return status.Error(codes.FailedPrecondition, resp.ErrorDetail)
	default:
		return status.Error(codes.Internal, resp.ErrorDetail)
	}
}
