package remote

import (
	"context"
	"errors"
	"net"
	"time"

	"trustsync/pkg/replication"
	"trustsync/pkg/storage"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "trustsync.remote.v1.Replica"

// ReplicaServer is the server API of the replica service
type ReplicaServer interface {
	List(context.Context, *ListRequest) (*replication.ListResult, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Put(context.Context, *PutRequest) (*Ack, error)
	Del(context.Context, *DelRequest) (*Ack, error)
}

// ReplicaServiceDesc describes the replica service for grpc.Server.RegisterService
var ReplicaServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReplicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "List", Handler: listHandler},
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Put", Handler: putHandler},
		{MethodName: "Del", Handler: delHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trustsync/remote/v1/replica",
}

// RegisterReplicaServer registers srv on s
func RegisterReplicaServer(s grpc.ServiceRegistrar, srv ReplicaServer) {
	s.RegisterService(&ReplicaServiceDesc, srv)
}

func listHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/List"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).List(ctx, req.(*ListRequest))
	})
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Get"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).Get(ctx, req.(*GetRequest))
	})
}

func putHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Put"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).Put(ctx, req.(*PutRequest))
	})
}

func delHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Del(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Del"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).Del(ctx, req.(*DelRequest))
	})
}

// Server exposes a Store over gRPC
type Server struct {
	store  *Store
	logger *zap.Logger
	grpc   *grpc.Server
}

// NewServer builds a gRPC server for store. Extra options (TLS credentials,
// message limits) are appended to the defaults.
func NewServer(store *Store, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: store, logger: logger}

	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(s.logInterceptor),
	}
	serverOpts = append(serverOpts, opts...)

	s.grpc = grpc.NewServer(serverOpts...)
	RegisterReplicaServer(s.grpc, s)
	return s
}

// Serve accepts connections on lis until ctx is cancelled
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("Replica server starting", zap.String("address", lis.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Replica server stopping")
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// Stop stops the server immediately
func (s *Server) Stop() {
	s.grpc.Stop()
}

func (s *Server) List(ctx context.Context, req *ListRequest) (*replication.ListResult, error) {
	result, err := s.store.List(ctx, req.Prefix, req.Since)
	if err != nil {
		return nil, toStatus(err)
	}
	return &result, nil
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	item, err := s.store.Get(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Item: item}, nil
}

func (s *Server) Put(ctx context.Context, req *PutRequest) (*Ack, error) {
	if err := s.store.Put(ctx, req.Key, req.Value, req.UpdatedAt); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{}, nil
}

func (s *Server) Del(ctx context.Context, req *DelRequest) (*Ack, error) {
	if err := s.store.Del(ctx, req.Key, req.UpdatedAt); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{}, nil
}

func (s *Server) logInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
		zap.String("code", status.Code(err).String()),
	}
	if err != nil {
		s.logger.Warn("Replica request failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("Replica request", fields...)
	}
	return resp, err
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrInvalidCursor), errors.Is(err, ErrEmptyKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, storage.ErrNotConfigured):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}
