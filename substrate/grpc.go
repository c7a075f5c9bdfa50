package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wirebench/wirebench-go/contracts"
)

const (
	grpcDefaultBasePort = 50051
	grpcMethodExchange  = "/wirebench.Messaging/Exchange"

	// grpcConnectProbe bounds the per-receiver readiness check during
	// sender connect; unavailable receivers are skipped, not fatal.
	grpcConnectProbe = 500 * time.Millisecond

	grpcRawSendTimeout = 5 * time.Second
)

// rawCodec carries the canonical envelope bytes through gRPC untouched, so
// the cross-substrate serialization contract holds on the RPC substrate
// too.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("raw codec: unsupported type %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: unsupported type %T", v)
	}
	*b = data
	return nil
}

func (rawCodec) Name() string { return "raw" }

// grpcCall is one inbound unary call held open until the receiver supplies
// the acknowledgment bytes as the call's result.
type grpcCall struct {
	data []byte
	resp chan []byte
}

// grpcBinding is the unary RPC substrate. Addressing: each receiver is a
// server on basePort+receiverID; the sender opens one client connection per
// reachable receiver and round-robins targets across them. The reply is the
// return value of the call, so no separate correlation is needed.
type grpcBinding struct {
	host      string
	basePort  int
	receivers int
	logger    *slog.Logger

	receiverID int

	mu        sync.Mutex
	conns     []*grpc.ClientConn
	server    *grpc.Server
	inbound   chan grpcCall
	inflight  map[string]chan []byte
	connected bool
}

func newGRPCBinding(cfg Config) *grpcBinding {
	return &grpcBinding{
		host:       cfg.Host,
		basePort:   cfg.port(grpcDefaultBasePort),
		receivers:  cfg.Receivers,
		receiverID: cfg.ReceiverID,
		logger:     cfg.Logger,
	}
}

func (b *grpcBinding) Name() string { return ServiceGRPC }

var messagingServiceDesc = grpc.ServiceDesc{
	ServiceName: "wirebench.Messaging",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wirebench/messaging",
}

func exchangeHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var in []byte
	if err := dec(&in); err != nil {
		return nil, err
	}
	return srv.(*grpcBinding).exchange(ctx, in)
}

// exchange hands the inbound call to the receive loop and blocks until the
// acknowledgment comes back as the call result.
func (b *grpcBinding) exchange(ctx context.Context, data []byte) ([]byte, error) {
	b.mu.Lock()
	inbound := b.inbound
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("receiver disconnected")
	}

	call := grpcCall{data: data, resp: make(chan []byte, 1)}
	select {
	case inbound <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-call.resp:
		return resp, nil
	case <-ctx.Done():
		b.evictCall(data, call.resp)
		return nil, ctx.Err()
	}
}

// evictCall drops the inflight entry registered for an abandoned exchange
// so reply slots for calls the client gave up on do not accumulate.
func (b *grpcBinding) evictCall(data []byte, resp chan []byte) {
	env, err := contracts.Deserialize(data)
	if err != nil {
		return
	}
	b.mu.Lock()
	if ch, ok := b.inflight[env.MessageID]; ok && ch == resp {
		delete(b.inflight, env.MessageID)
	}
	b.mu.Unlock()
}

func (b *grpcBinding) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if b.receiverID >= 0 {
		return b.connectServerLocked()
	}
	return b.connectClientsLocked(ctx)
}

func (b *grpcBinding) connectServerLocked() error {
	addr := fmt.Sprintf("%s:%d", b.host, b.basePort+b.receiverID)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	b.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	b.server.RegisterService(&messagingServiceDesc, b)
	b.inbound = make(chan grpcCall, 64)
	b.inflight = make(map[string]chan []byte)
	go func() {
		if err := b.server.Serve(lis); err != nil {
			b.logger.Warn("grpc serve stopped", "error", err)
		}
	}()

	b.connected = true
	b.logger.Info("grpc receiver listening", "addr", addr, "receiver_id", b.receiverID)
	return nil
}

func (b *grpcBinding) connectClientsLocked(ctx context.Context) error {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}

	var conns []*grpc.ClientConn
	for i := 0; i < b.receivers; i++ {
		addr := fmt.Sprintf("%s:%d", b.host, b.basePort+i)
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			continue
		}
		if !waitReady(ctx, conn, grpcConnectProbe) {
			conn.Close()
			continue
		}
		conns = append(conns, conn)
	}
	if len(conns) == 0 {
		return fmt.Errorf("grpc connect: no receivers reachable on ports %d-%d", b.basePort, b.basePort+b.receivers-1)
	}

	b.conns = conns
	b.connected = true
	b.logger.Info("grpc sender connected", "receivers", len(conns), "probed", b.receivers)
	return nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn, probe time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probe)
	defer cancel()
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return true
		}
		if !conn.WaitForStateChange(probeCtx, state) {
			return false
		}
	}
}

func (b *grpcBinding) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	for _, conn := range b.conns {
		if err := conn.Close(); err != nil {
			b.logger.Warn("grpc close failed", "error", err)
		}
	}
	b.conns = nil
	if b.server != nil {
		b.server.GracefulStop()
		b.server = nil
	}
	return nil
}

// connFor round-robins targets across the reachable receiver connections.
func (b *grpcBinding) connFor(target int) *grpc.ClientConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || len(b.conns) == 0 {
		return nil
	}
	return b.conns[target%len(b.conns)]
}

func (b *grpcBinding) SendRaw(ctx context.Context, env *contracts.Envelope) bool {
	conn := b.connFor(env.Target)
	if conn == nil {
		return false
	}
	data, err := env.Serialize()
	if err != nil {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, grpcRawSendTimeout)
	defer cancel()
	var resp []byte
	if err := conn.Invoke(callCtx, grpcMethodExchange, data, &resp); err != nil {
		b.logger.Warn("grpc send failed", "target", env.Target, "error", err)
		return false
	}
	return true
}

func (b *grpcBinding) SendWithAck(ctx context.Context, env *contracts.Envelope, timeout time.Duration) *contracts.Envelope {
	conn := b.connFor(env.Target)
	if conn == nil {
		return nil
	}
	data, err := env.Serialize()
	if err != nil {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var resp []byte
	if err := conn.Invoke(callCtx, grpcMethodExchange, data, &resp); err != nil {
		// Deadline exceeded is the designed unacknowledged outcome.
		return nil
	}
	reply, err := contracts.Deserialize(resp)
	if err != nil {
		return nil
	}
	return reply
}

func (b *grpcBinding) ReceiveRaw(ctx context.Context, timeout time.Duration) []byte {
	b.mu.Lock()
	inbound := b.inbound
	b.mu.Unlock()
	if inbound == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case call := <-inbound:
		if env, err := contracts.Deserialize(call.data); err == nil {
			b.mu.Lock()
			b.inflight[env.MessageID] = call.resp
			b.mu.Unlock()
		}
		return call.data
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (b *grpcBinding) SendRawReply(ctx context.Context, data []byte) bool {
	env, err := contracts.Deserialize(data)
	if err != nil {
		b.logger.Warn("grpc reply decode failed", "error", err)
		return false
	}
	originalID := strings.TrimPrefix(env.MessageID, "ack_")

	b.mu.Lock()
	resp, ok := b.inflight[originalID]
	if ok {
		delete(b.inflight, originalID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	resp <- data
	return true
}
