package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"kairos/internal/util"
)

// ServiceName is the fully-qualified gRPC service. Messages travel as
// google.protobuf.Struct documents with the same fields as the JSON API.
const ServiceName = "kairos.agent.v1.AgentService"

const (
	actMethod      = "/" + ServiceName + "/Act"
	actBatchMethod = "/" + ServiceName + "/ActBatch"
)

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Actor = (*GRPCClient)(nil)

// GRPCClient calls the agent service over gRPC.
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	retries int
	logger  *slog.Logger
}

// NewGRPCClient connects to addr without transport security. Extra dial
// options are appended, which lets tests inject a bufconn dialer.
func NewGRPCClient(addr string, timeout time.Duration, retries int, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	if logger == nil {
		logger = util.Discard()
	}
	if retries < 0 {
		retries = 0
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, timeout: timeout, retries: retries, logger: logger}, nil
}

// Close releases the underlying connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// Act invokes AgentService/Act.
func (c *GRPCClient) Act(ctx context.Context, req Request) (Response, CallInfo, error) {
	var resp Response
	info, err := c.invoke(ctx, actMethod, req, func(m map[string]any) error {
		if err := fromMap(m, &resp); err != nil {
			return err
		}
		return resp.Validate()
	})
	if err != nil {
		return Response{}, info, err
	}
	return resp, info, nil
}

// ActBatch invokes AgentService/ActBatch.
func (c *GRPCClient) ActBatch(ctx context.Context, reqs []Request) ([]Response, CallInfo, error) {
	var out BatchResponse
	info, err := c.invoke(ctx, actBatchMethod, BatchRequest{Items: reqs}, func(m map[string]any) error {
		if err := fromMap(m, &out); err != nil {
			return err
		}
		if len(out.Items) != len(reqs) {
			return fmt.Errorf("%w: sent %d, got %d", ErrBatchMismatch, len(reqs), len(out.Items))
		}
		for i, item := range out.Items {
			if err := item.Validate(); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, info, err
	}
	return out.Items, info, nil
}

func (c *GRPCClient) invoke(ctx context.Context, method string, payload any, decode func(map[string]any) error) (CallInfo, error) {
	in, err := toStruct(payload)
	if err != nil {
		return CallInfo{}, err
	}

	var info CallInfo
	start := time.Now()
	err = util.Retry(ctx, c.retries+1, 0, func() error {
		info.Attempts++
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		out := new(structpb.Struct)
		err := c.conn.Invoke(callCtx, method, in, out)
		info.Status = int(status.Code(err))
		if err != nil {
			c.logger.Debug("agent grpc error", "method", method, "attempt", info.Attempts, "error", err)
			if retryableCode(status.Code(err)) {
				return err
			}
			return util.Permanent(err)
		}
		if err := decode(out.AsMap()); err != nil {
			return util.Permanent(err)
		}
		return nil
	})
	info.Duration = time.Since(start)
	if err != nil {
		info.Err = err.Error()
	}
	return info, err
}

// retryableCode mirrors the HTTP 5xx/transport split.
func retryableCode(c codes.Code) bool {
	switch c {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Server registration
// ---------------------------------------------------------------------------

// ActServer is implemented by agent services exposed over gRPC.
type ActServer interface {
	Act(ctx context.Context, req Request) (Response, error)
	ActBatch(ctx context.Context, reqs []Request) ([]Response, error)
}

// RegisterActServer registers srv with a gRPC server.
func RegisterActServer(s grpc.ServiceRegistrar, srv ActServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ActServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Act", Handler: actHandler},
		{MethodName: "ActBatch", Handler: actBatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kairos/agent/v1/agent.proto",
}

func actHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, raw any) (any, error) {
		var req Request
		if err := fromMap(raw.(*structpb.Struct).AsMap(), &req); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		resp, err := srv.(ActServer).Act(ctx, req)
		if err != nil {
			return nil, err
		}
		return toStruct(resp)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: actMethod}, call)
}

func actBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, raw any) (any, error) {
		var req BatchRequest
		if err := fromMap(raw.(*structpb.Struct).AsMap(), &req); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		items, err := srv.(ActServer).ActBatch(ctx, req.Items)
		if err != nil {
			return nil, err
		}
		return toStruct(BatchResponse{Items: items})
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: actBatchMethod}, call)
}

// ---------------------------------------------------------------------------
// Struct conversion
// ---------------------------------------------------------------------------

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding agent message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encoding agent message: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encoding agent message: %w", err)
	}
	return s, nil
}

// fromMap decodes a Struct's map form into a JSON-tagged value.
func fromMap(m map[string]any, out any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
