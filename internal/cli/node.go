package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/adeboyed/Parliament/internal/admin"
	"github.com/adeboyed/Parliament/internal/consensus"
	"github.com/adeboyed/Parliament/internal/dispatcher"
	"github.com/adeboyed/Parliament/internal/gateway"
	"github.com/adeboyed/Parliament/internal/jobmanager"
	"github.com/adeboyed/Parliament/internal/metrics"
	"github.com/adeboyed/Parliament/internal/quorum"
	"github.com/adeboyed/Parliament/internal/registry"
	"github.com/adeboyed/Parliament/internal/replica"
	"github.com/adeboyed/Parliament/internal/scheduler"
	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

// ============================================================================
// Minister (coordinator replica)
// ============================================================================

// Minister is one coordinator replica with its two listening ports.
type Minister struct {
	Jobs       *jobmanager.JobManager
	Data       jobmanager.DataStore
	Workers    *registry.Workers
	Users      *registry.Users
	Replica    *replica.State
	Dispatcher *dispatcher.Dispatcher
	Scheduler  *scheduler.Scheduler
	WorkerGW   *gateway.WorkerGateway
	UserGW     *gateway.UserGateway

	workerSrv *wire.Server
	userSrv   *wire.Server
	redis     *redis.Client
}

// NewMinister builds a coordinator replica and binds its ports. Nothing
// runs until Start.
func NewMinister(cfg MinisterConfig, m *metrics.Collector) (*Minister, error) {
	n := &Minister{
		Jobs:    jobmanager.NewJobManager(),
		Workers: registry.NewWorkers(),
		Users:   registry.NewUsers(),
		Replica: replica.New(cfg.ConsensusMode),
	}

	switch cfg.DataBackend {
	case backendRedis:
		n.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		store := jobmanager.NewRedisDataStore(n.redis, jobmanager.WithKeyPrefix(cfg.Redis.Prefix))
		if err := store.Ping(context.Background()); err != nil {
			_ = n.redis.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		n.Data = store
	default:
		n.Data = jobmanager.NewMemoryDataStore()
	}

	n.Dispatcher = dispatcher.New(dispatcher.Config{
		Threads:        cfg.TransmissionThreads,
		DialTimeout:    cfg.DialTimeout,
		IOTimeout:      cfg.IOTimeout,
		RetryDelay:     cfg.RetryDelay,
		QueueWarnAfter: cfg.QueueWarnAfter,
	}, dispatcher.Deps{
		Jobs:    n.Jobs,
		Data:    n.Data,
		Workers: n.Workers,
		Replica: n.Replica,
		Metrics: m,
	})
	n.Scheduler = scheduler.New(scheduler.Config{
		TickInterval:        cfg.TickInterval,
		UserTimeout:         cfg.UserTimeout,
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
	}, scheduler.Deps{
		Jobs:    n.Jobs,
		Data:    n.Data,
		Workers: n.Workers,
		Users:   n.Users,
		Replica: n.Replica,
		Updates: n.Dispatcher,
		Metrics: m,
	})
	n.WorkerGW = gateway.NewWorkerGateway(gateway.WorkerDeps{
		Jobs:    n.Jobs,
		Data:    n.Data,
		Workers: n.Workers,
		Replica: n.Replica,
		Updates: n.Dispatcher,
		Metrics: m,
	})
	n.UserGW = gateway.NewUserGateway(gateway.UserDeps{
		Jobs:    n.Jobs,
		Data:    n.Data,
		Users:   n.Users,
		Replica: n.Replica,
		Metrics: m,
	})

	var err error
	if n.workerSrv, err = wire.Listen("worker", cfg.WorkerAddr, n.WorkerGW.Handle); err != nil {
		n.closeRedis()
		return nil, err
	}
	if n.userSrv, err = wire.Listen("user", cfg.UserAddr, n.UserGW.Handle); err != nil {
		_ = n.workerSrv.Close()
		n.closeRedis()
		return nil, err
	}
	return n, nil
}

func (n *Minister) WorkerAddr() string { return n.workerSrv.Addr().String() }
func (n *Minister) UserAddr() string   { return n.userSrv.Addr().String() }

// Start launches the dispatcher, the scheduler loop and both servers.
func (n *Minister) Start(ctx context.Context) error {
	if err := n.Dispatcher.Start(ctx); err != nil {
		return err
	}
	n.Scheduler.Start(ctx)
	go n.workerSrv.Serve(ctx)
	go n.userSrv.Serve(ctx)
	slog.Info("Minister started",
		"worker_addr", n.WorkerAddr(), "user_addr", n.UserAddr(), "consensus", n.Replica.Consensus())
	return nil
}

func (n *Minister) Stop() {
	_ = n.workerSrv.Close()
	_ = n.userSrv.Close()
	n.Scheduler.Stop()
	n.Dispatcher.Stop()
	n.closeRedis()
}

func (n *Minister) closeRedis() {
	if n.redis != nil {
		_ = n.redis.Close()
	}
}

func (n *Minister) Stats() admin.StatsFunc {
	return admin.MinisterStats(n.Jobs, n.Workers, n.Users, n.Replica)
}

// ============================================================================
// Consensus replica
// ============================================================================

// ConsensusNode is one consensus replica: the peer port plus the user and
// worker proxies in front of the ministers.
type ConsensusNode struct {
	Service *consensus.Service

	conSrv    *wire.Server
	workerSrv *wire.Server
	userSrv   *wire.Server
}

// NewConsensusNode binds the three exported ports and builds the service.
// Port 0 in the export address picks a free port.
func NewConsensusNode(cfg ConsensusConfig, m *metrics.Collector) (*ConsensusNode, error) {
	self, err := consensus.ParseSelf(cfg.Export)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	// The ports are bound before the service exists so that it learns the
	// real ones. Nothing is served until Start, by which time svc is set.
	n := &ConsensusNode{}
	late := &lateService{}
	broadcaster := quorum.NewBroadcaster(late, wire.Dialer{DialTimeout: cfg.DialTimeout, IOTimeout: cfg.IOTimeout}, m)

	if n.conSrv, err = wire.Listen("consensus", joinPort(self.IP, self.ConPort), late.Handle); err != nil {
		return nil, err
	}
	self.ConPort = boundPort(n.conSrv)
	if n.workerSrv, err = wire.Listen("worker-proxy", joinPort(self.IP, self.WorkerPort), quorum.NewWorkerProxy(broadcaster, late).Handle); err != nil {
		n.close()
		return nil, err
	}
	self.WorkerPort = boundPort(n.workerSrv)
	if n.userSrv, err = wire.Listen("user-proxy", joinPort(self.IP, self.UserPort), quorum.NewUserProxy(broadcaster, late).Handle); err != nil {
		n.close()
		return nil, err
	}
	self.UserPort = boundPort(n.userSrv)

	n.Service, err = consensus.New(consensus.Config{
		Self:              self,
		Initial:           cfg.Initial,
		Leader:            cfg.Leader,
		Masters:           cfg.Masters,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DialTimeout:       cfg.DialTimeout,
		IOTimeout:         cfg.IOTimeout,
		SnapshotPath:      cfg.SnapshotPath,
	})
	if err != nil {
		n.close()
		return nil, err
	}
	late.svc = n.Service
	return n, nil
}

func (n *ConsensusNode) Self() consensus.Self { return n.Service.State().Self() }

func (n *ConsensusNode) WorkerAddr() string { return n.workerSrv.Addr().String() }
func (n *ConsensusNode) UserAddr() string   { return n.userSrv.Addr().String() }

// Start serves the three ports and joins the cluster.
func (n *ConsensusNode) Start(ctx context.Context) error {
	go n.conSrv.Serve(ctx)
	go n.workerSrv.Serve(ctx)
	go n.userSrv.Serve(ctx)
	if err := n.Service.Start(ctx); err != nil {
		return err
	}
	self := n.Self()
	slog.Info("Consensus replica started", "id", n.Service.State().ID(),
		"con_port", self.ConPort, "worker_port", self.WorkerPort, "user_port", self.UserPort)
	return nil
}

func (n *ConsensusNode) Stop() {
	n.close()
	if n.Service != nil {
		n.Service.Stop()
	}
}

func (n *ConsensusNode) close() {
	for _, s := range []*wire.Server{n.conSrv, n.workerSrv, n.userSrv} {
		if s != nil {
			_ = s.Close()
		}
	}
}

func (n *ConsensusNode) Stats() admin.StatsFunc {
	return admin.ConsensusStats(n.Service)
}

var errNotReady = errors.New("consensus service not ready")

// lateService forwards to a consensus service assigned after construction.
type lateService struct {
	svc *consensus.Service
}

func (l *lateService) Handle(ctx context.Context, conn net.Conn) {
	if l.svc != nil {
		l.svc.Handle(ctx, conn)
	}
}

func (l *lateService) Masters() []types.MasterMachine {
	if l.svc == nil {
		return nil
	}
	return l.svc.Masters()
}

func (l *lateService) DropMasters(keep func(types.MasterMachine) bool) []types.MasterMachine {
	if l.svc == nil {
		return nil
	}
	return l.svc.DropMasters(keep)
}

func (l *lateService) ConflictingID(ctx context.Context) (uint32, error) {
	if l.svc == nil {
		return 0, errNotReady
	}
	return l.svc.ConflictingID(ctx)
}

func (l *lateService) UniqueID(ctx context.Context) (string, error) {
	if l.svc == nil {
		return "", errNotReady
	}
	return l.svc.UniqueID(ctx)
}

func joinPort(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

func boundPort(s *wire.Server) int {
	return s.Addr().(*net.TCPAddr).Port
}

func addrPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}
