// Package admin serves read-only cluster statistics over gRPC.
//
// The service has a single method and no generated stubs: requests and
// responses are the well-known Empty and Struct messages, so the default
// proto codec handles them and the descriptor below is written by hand.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/adeboyed/Parliament/internal/consensus"
	"github.com/adeboyed/Parliament/internal/jobmanager"
	"github.com/adeboyed/Parliament/internal/registry"
	"github.com/adeboyed/Parliament/internal/replica"
)

const (
	ServiceName     = "parliament.admin.v1.Admin"
	getStatsMethod  = "/" + ServiceName + "/GetStats"
	defaultEndpoint = "127.0.0.1:50051"
)

// AdminServer is the server API of the admin service.
type AdminServer interface {
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes the admin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: getStatsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "parliament/admin/v1/admin.proto",
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStatsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetStats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// StatsFunc samples the counters a process reports.
type StatsFunc func() map[string]any

// Server is the admin gRPC server.
type Server struct {
	grpc  *grpc.Server
	stats StatsFunc
	log   *slog.Logger
}

func NewServer(stats StatsFunc) *Server {
	s := &Server{
		grpc:  grpc.NewServer(),
		stats: stats,
		log:   slog.With("component", "admin"),
	}
	s.grpc.RegisterService(&ServiceDesc, s)
	return s
}

// GetStats implements AdminServer.
func (s *Server) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(s.stats())
	if err != nil {
		return nil, fmt.Errorf("encode stats: %w", err)
	}
	return out, nil
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("Admin service listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

func (s *Server) Stop() { s.grpc.GracefulStop() }

// ============================================================================
// Stats sources
// ============================================================================

// MinisterStats reports a coordinator replica's stores.
func MinisterStats(jobs *jobmanager.JobManager, workers *registry.Workers, users *registry.Users, rep *replica.State) StatsFunc {
	return func() map[string]any {
		js := jobs.Stats()
		return map[string]any{
			"role":          "minister",
			"users":         users.Len(),
			"jobs":          js["jobs"],
			"jobs_running":  js["jobs_running"],
			"tasks":         js["tasks"],
			"job_queue":     js["job_queue"],
			"task_queue":    js["task_queue"],
			"workers":       workers.Len(),
			"running_tasks": workers.RunningLen(),
			"consensus":     rep.Consensus(),
			"active":        rep.Active(),
		}
	}
}

// ConsensusStats reports a consensus replica's membership.
func ConsensusStats(svc *consensus.Service) StatsFunc {
	return func() map[string]any {
		st := svc.State()
		cons, masters := st.Lists()
		active := 0
		for _, m := range masters {
			if m.Active {
				active = m.ID
			}
		}
		return map[string]any{
			"role":          "consensus",
			"consensus_id":  st.ID(),
			"leader":        st.IsLeader(),
			"consensuses":   len(cons),
			"masters":       len(masters),
			"active_master": active,
		}
	}
}

// ============================================================================
// Client
// ============================================================================

// Client calls the admin service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) GetStats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getStatsMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Dial opens a plaintext connection to an admin endpoint. An empty addr
// means the local default port.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if addr == "" {
		addr = defaultEndpoint
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.NewClient(addr, opts...)
}
