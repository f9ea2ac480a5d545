package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/partition-router/prouter/internal/command"
	"github.com/partition-router/prouter/internal/logging"
)

const (
	// ServiceName is the gRPC service exposed by the routing admin endpoint.
	ServiceName = "prouter.admin.v1.RoutingAdmin"

	// MetadataInstance carries the sending controller's instance ID.
	MetadataInstance = "x-prouter-instance"

	executeMethod = "/" + ServiceName + "/Execute"
	codecName     = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the admin service exchange plain JSON messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

// GRPCClient is a Client talking to a RoutingAdmin endpoint.
type GRPCClient struct {
	conn     *grpc.ClientConn
	instance string
	ownsConn bool
}

// GRPCOption configures a GRPCClient.
type GRPCOption func(*GRPCClient)

// WithInstanceID tags every request with the controller instance ID.
func WithInstanceID(id string) GRPCOption {
	return func(c *GRPCClient) { c.instance = id }
}

// Dial creates a client for target. The connection is plaintext unless dial
// options override the transport credentials.
func Dial(target string, opts []GRPCOption, dialOpts ...grpc.DialOption) (*GRPCClient, error) {
	dialOpts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, dialOpts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", target, err)
	}
	c := NewGRPCClient(conn, opts...)
	c.ownsConn = true
	return c, nil
}

// NewGRPCClient wraps an existing connection. Close does not close it.
func NewGRPCClient(conn *grpc.ClientConn, opts ...GRPCOption) *GRPCClient {
	c := &GRPCClient{conn: conn}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send implements Client.
func (c *GRPCClient) Send(ctx context.Context, cmd command.Command) (Response, error) {
	if c.instance != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, MetadataInstance, c.instance)
	}

	req := NewRequest(cmd)
	var resp Response
	err := c.conn.Invoke(ctx, executeMethod, &req, &resp, grpc.CallContentSubtype(codecName))
	if err == nil {
		return resp, nil
	}

	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return Response{}, fmt.Errorf("%w: %s %s", ErrTimeout, cmd.Action, cmd.ResourcePath)
	case codes.Unavailable:
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Response{}, fmt.Errorf("%w: %s %s", ErrTimeout, cmd.Action, cmd.ResourcePath)
	}
	return Response{}, fmt.Errorf("remote: %s %s: %w", cmd.Action, cmd.ResourcePath, err)
}

// Close releases the connection if the client dialed it.
func (c *GRPCClient) Close() error {
	if !c.ownsConn {
		return nil
	}
	return c.conn.Close()
}

// AdminHandler executes requests on the serving side.
type AdminHandler interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterAdminServer binds h as the RoutingAdmin service on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, h AdminHandler) {
	s.RegisterService(&adminServiceDesc, h)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(AdminHandler).Execute(ctx, *req.(*Request))
		if err != nil {
			return nil, toStatus(err)
		}
		return &resp, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	return interceptor(ctx, in, info, handler)
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor logs every admin request with the caller's instance ID.
func LoggingInterceptor(logger *logging.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = logging.Global()
	}
	logger = logger.WithComponent("admin")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		fields := map[string]any{"method": info.FullMethod}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(MetadataInstance); len(ids) > 0 {
				fields["instance"] = ids[0]
			}
		}
		if r, ok := req.(*Request); ok {
			fields["action"] = r.Action.String()
			fields["path"] = r.ResourcePath
		}

		resp, err := handler(ctx, req)
		switch {
		case err != nil:
			fields["error"] = err.Error()
			logger.Warnf("admin request failed", fields)
		case resp != nil:
			if r, ok := resp.(*Response); ok {
				fields["status"] = r.Status.String()
			}
			logger.Debugf("admin request", fields)
		}
		return resp, err
	}
}
