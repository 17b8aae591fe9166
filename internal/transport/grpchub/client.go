package grpchub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/relay/internal/model"
	"github.com/matheus3301/relay/internal/transport"
)

const streamBuffer = 64

// Client is a transport.Transport and transport.ChangeFeed backed by a
// remote hub.
type Client struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

var (
	_ transport.Transport  = (*Client)(nil)
	_ transport.ChangeFeed = (*Client)(nil)
)

// DialSocket connects to a hub daemon listening on a unix socket.
func DialSocket(socketPath string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	return Dial("unix://"+socketPath, logger, opts...)
}

// Dial connects to a hub at target. The connection is established lazily.
func Dial(target string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", target, err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

// Close tears down the connection. Open streams end with a disconnect.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) publish(ctx context.Context, evt transport.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := c.conn.Invoke(ctx, publishMethod, wrapperspb.Bytes(data), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("%w: publish: %v", model.ErrTransportDisconnected, err)
	}
	return nil
}

// PublishChange announces a committed row change to the hub.
func (c *Client) PublishChange(ctx context.Context, change transport.RowChange) error {
	return c.publish(ctx, transport.ChangeEvent(change))
}

// Broadcast sends an ephemeral event on channel.
func (c *Client) Broadcast(ctx context.Context, channel, event string, payload any) error {
	b, err := transport.NewBroadcast(channel, event, payload)
	if err != nil {
		return err
	}
	return c.publish(ctx, transport.BroadcastEvent(b))
}

// Subscribe opens a remote stream for topic. It returns once the hub has
// registered the subscription, so later publishes are not missed.
func (c *Client) Subscribe(ctx context.Context, topic transport.Topic) (transport.Stream, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	req, err := json.Marshal(topic)
	if err != nil {
		return nil, fmt.Errorf("encode topic: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	cs, err := c.conn.NewStream(sctx, &serviceDesc.Streams[0], subscribeMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s: %v", model.ErrTransportDisconnected, topic, err)
	}
	if err := cs.SendMsg(wrapperspb.Bytes(req)); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s: %v", model.ErrTransportDisconnected, topic, err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s: %v", model.ErrTransportDisconnected, topic, err)
	}
	md, err := cs.Header()
	if err == nil && len(md.Get(subscribedKey)) == 0 {
		// Ended without headers: the status carries the reason.
		err = cs.RecvMsg(new(wrapperspb.BytesValue))
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s: %v", model.ErrTransportDisconnected, topic, err)
	}

	s := &clientStream{
		topic:  topic,
		parent: ctx,
		cs:     cs,
		cancel: cancel,
		ch:     make(chan transport.Event, streamBuffer),
		logger: c.logger,
	}
	go s.recv()
	return s, nil
}

type clientStream struct {
	topic  transport.Topic
	parent context.Context
	cs     grpc.ClientStream
	cancel context.CancelFunc
	ch     chan transport.Event
	logger *zap.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *clientStream) Events() <-chan transport.Event { return s.ch }

func (s *clientStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *clientStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *clientStream) recv() {
	defer close(s.ch)
	defer s.cancel()
	ctx := s.cs.Context()
	for {
		msg := new(wrapperspb.BytesValue)
		if err := s.cs.RecvMsg(msg); err != nil {
			s.finish(err)
			return
		}
		var evt transport.Event
		if err := json.Unmarshal(msg.GetValue(), &evt); err != nil {
			s.logger.Warn("dropping undecodable event", zap.Stringer("topic", s.topic), zap.Error(err))
			continue
		}
		select {
		case s.ch <- evt:
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		}
	}
}

// finish records why the stream ended. A stream closed by its owner or
// whose context ended has no error; any other end is a disconnect.
func (s *clientStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.parent.Err() != nil {
		return
	}
	s.err = fmt.Errorf("%w: %s: %v", model.ErrTransportDisconnected, s.topic, err)
}
