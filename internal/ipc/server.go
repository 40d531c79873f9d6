package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"loom/internal/api"
	"loom/internal/daemon"
	"loom/internal/logging"
	"loom/internal/store"
)

// ipcCaller is the quota identity for requests arriving over the socket.
const ipcCaller = "ipc"

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Loom", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually or rerun loom daemon stop"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return s.logger.With(logging.String("component", "ipc"))
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.log().Debug("daemon start requested")
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.log().Info("daemon started via IPC",
		logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.log().Debug("daemon stop requested")
	s.daemon.Stop()
	resp.Stopped = true
	s.log().Info("daemon stopped via IPC",
		logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.DBPath = status.DBPath
	resp.LockPath = status.LockFilePath
	resp.Capabilities = status.Capabilities
	resp.Stages = status.Stages
	resp.Breakers = api.FromBreakerSnapshots(s.daemon.Orchestrator().BreakerSnapshots())
	resp.Cache = api.FromCacheStats(s.daemon.CacheStats())
	resp.Store = api.FromStoreHealth(status.Health)
	return nil
}

func (s *service) Ingest(req IngestRequest, resp *IngestResponse) error {
	asset, err := s.daemon.Ingest(s.ctx, req.Source, req.DurationSecs, req.SizeBytes)
	if err != nil {
		return err
	}
	resp.Asset = api.FromAsset(asset)
	s.log().Info("asset ingested via IPC",
		logging.String(logging.FieldEventType, "asset_ingest"),
		logging.String(logging.FieldAssetID, asset.ID))
	return nil
}

func (s *service) Execute(req ExecuteRequest, resp *ExecuteResponse) error {
	result, err := s.daemon.Execute(s.ctx, ipcCaller, req.Capability, req.AssetID, req.Params)
	if err != nil {
		return err
	}
	resp.Capability = result.Capability
	resp.Kind = result.Kind
	resp.Payload = string(result.Payload)
	resp.FromCache = result.FromCache
	if result.Record != nil {
		converted := api.FromResult(result.Record)
		resp.Result = &converted
	}
	return nil
}

func (s *service) AssetStatus(req AssetStatusRequest, resp *AssetStatusResponse) error {
	asset, states, err := s.daemon.AssetStatus(s.ctx, req.AssetID)
	if err != nil {
		return err
	}
	built := api.BuildAssetStatus(asset, states)
	resp.Asset = built.Asset
	resp.Stages = built.Stages
	resp.Partial = built.Partial
	return nil
}

func (s *service) Results(req ResultsRequest, resp *ResultsResponse) error {
	records, err := s.daemon.Results(s.ctx, req.AssetID, store.ResultFilter{
		Kind: req.Kind,
		From: req.From,
		To:   req.To,
	})
	if err != nil {
		return err
	}
	resp.Results = api.FromResults(records)
	return nil
}

func (s *service) CacheStats(_ CacheStatsRequest, resp *CacheStatsResponse) error {
	resp.Stats = api.FromCacheStats(s.daemon.CacheStats())
	return nil
}

func (s *service) Reprocess(req ReprocessRequest, resp *ReprocessResponse) error {
	s.log().Debug("reprocess requested",
		logging.String(logging.FieldAssetID, req.AssetID),
		logging.String(logging.FieldStage, req.Stage))
	if err := s.daemon.Reprocess(s.ctx, req.AssetID, req.Stage); err != nil {
		return err
	}
	resp.Accepted = true
	s.log().Info("stage reset for reprocessing",
		logging.String(logging.FieldEventType, "stage_reprocess"),
		logging.String(logging.FieldAssetID, req.AssetID),
		logging.String(logging.FieldStage, req.Stage))
	return nil
}
