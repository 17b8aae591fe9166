// Package grpchub carries the transport contract over gRPC so that clients in
// other processes share one hub. Messages are JSON envelopes in
// google.protobuf.BytesValue; the service is relay.v1.Hub.
package grpchub

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/transport"
)

const (
	serviceName     = "relay.v1.Hub"
	publishMethod   = "/" + serviceName + "/Publish"
	subscribeMethod = "/" + serviceName + "/Subscribe"

	// subscribedKey is sent as a header once the hub registered the stream.
	subscribedKey = "relay-subscribed"
)

// HubServer is the server API of relay.v1.Hub.
type HubServer interface {
	Publish(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Subscribe(*wrapperspb.BytesValue, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*HubServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "relay/v1/hub.proto",
}

// Register adds the hub service to s.
func Register(s grpc.ServiceRegistrar, srv HubServer) {
	s.RegisterService(&serviceDesc, srv)
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HubServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: publishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(HubServer).Publish(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(HubServer).Subscribe(in, &grpc.GenericServerStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ServerStream: stream})
}

// Service exposes a transport.Hub over gRPC.
type Service struct {
	hub    *transport.Hub
	logger *zap.Logger
}

var _ HubServer = (*Service)(nil)

// NewService creates the gRPC face of hub.
func NewService(hub *transport.Hub, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{hub: hub, logger: logger}
}

// Publish routes one change or broadcast event to the hub's subscribers.
func (s *Service) Publish(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var evt transport.Event
	if err := json.Unmarshal(in.GetValue(), &evt); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode event: %v", err)
	}
	switch {
	case evt.Kind == transport.KindChange && evt.Change != nil:
	case evt.Kind == transport.KindBroadcast && evt.Broadcast != nil:
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "cannot publish %q event", evt.Kind)
	}
	if err := s.hub.Publish(evt); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Subscribe streams the hub's events for one topic until the client goes
// away or the hub drops the stream.
func (s *Service) Subscribe(in *wrapperspb.BytesValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	var topic transport.Topic
	if err := json.Unmarshal(in.GetValue(), &topic); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode topic: %v", err)
	}
	if err := topic.Validate(); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}

	ctx := stream.Context()
	sub, err := s.hub.Subscribe(ctx, topic)
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()

	if err := stream.SendHeader(metadata.Pairs(subscribedKey, "1")); err != nil {
		return err
	}
	s.logger.Debug("remote subscription opened", zap.Stringer("topic", topic))

	for evt := range sub.Events() {
		data, err := json.Marshal(evt)
		if err != nil {
			s.logger.Error("encode event", zap.Stringer("topic", topic), zap.Error(err))
			continue
		}
		if err := stream.Send(wrapperspb.Bytes(data)); err != nil {
			return err
		}
	}
	if err := sub.Err(); err != nil {
		s.logger.Info("remote subscription dropped", zap.Stringer("topic", topic), zap.Error(err))
		return toStatus(err)
	}
	return nil
}

func toStatus(err error) error {
	if errors.Is(err, model.ErrTransportDisconnected) {
		return grpcstatus.Error(codes.Unavailable, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
