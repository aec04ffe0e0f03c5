package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"LendLedger/internal/command"
	"LendLedger/internal/config"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/protocol"
	"LendLedger/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP gateway. Both surfaces call
// the same service implementations.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	health        *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	limiter       *requestLimiter
	auth          *authenticator
	commands      *commandService
	queries       *queryService
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	// Tokens authenticate callers; without any, commands are refused.
	Tokens []config.APIToken
	// RatePerMin caps requests across both surfaces; zero disables it.
	RatePerMin int
}

// NewGRPCServer creates a new gRPC server with all services registered.
// The health service reports NOT_SERVING until SetServing(true).
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	logger := observability.NewLogger("server")
	limiter := newRequestLimiter(deps.RatePerMin)
	auth := newAuthenticator(deps.Tokens)

	s := &GRPCServer{
		grpcServer:    grpc.NewServer(interceptors(logger, deps.Metrics, limiter, auth)),
		health:        health.NewServer(),
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		limiter:       limiter,
		auth:          auth,
		commands:      &commandService{ingest: deps.IngestService},
		queries:       &queryService{qs: deps.QueryService},
		logger:        logger,
	}

	s.grpcServer.RegisterService(&CommandServiceDesc, s.commands)
	s.grpcServer.RegisterService(&QueryServiceDesc, s.queries)

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(false)

	// Reflection for grpcurl
	reflection.Register(s.grpcServer)
	return s
}

// SetServing flips the gRPC health status of every service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	for _, name := range []string{"", CommandServiceName, QueryServiceName} {
		s.health.SetServingStatus(name, st)
	}
}

// StartGRPC listens on the configured address and serves until ctx ends.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis until ctx ends. It returns once in-flight calls
// have finished.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	<-stopped
	return nil
}

// StartHTTPGateway serves the HTTP/JSON API and health endpoints until ctx
// ends. Like ServeGRPC it returns after in-flight requests drain.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// HTTPHandler builds the gateway mux. Routes call the service
// implementations in process; errors render through the gateway's status
// mapping.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	gw := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
	)

	routes := []struct {
		method, pattern string
		needsAuth       bool
		handle          func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
	}{
		{http.MethodPost, "/v1/commands/{type}", true, s.httpSubmit},
		{http.MethodGet, "/v1/pools/{asset}", false, s.httpGetPool},
		{http.MethodGet, "/v1/accounts/{account}", false, s.httpGetAccount},
		{http.MethodGet, "/v1/accounts/{account}/mnt", false, s.httpGetClaimableMnt},
		{http.MethodGet, "/v1/prices/{asset}", false, s.httpGetPrice},
		{http.MethodGet, "/v1/status", false, s.httpGetStatus},
		{http.MethodGet, "/v1/events", false, s.httpListEvents},
	}
	for _, rt := range routes {
		handle, needsAuth := rt.handle, rt.needsAuth
		err := gw.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			_, outbound := runtime.MarshalerForRequest(gw, r)
			ctx, err := s.auth.httpContext(r, needsAuth)
			if err == nil {
				var resp any
				if resp, err = handle(ctx, r, params); err == nil {
					writeJSON(w, outbound, resp)
					return
				}
			}
			runtime.HTTPError(r.Context(), gw, outbound, w, r, toStatus(err))
		})
		if err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	mux.Handle("/", s.limiter.middleware(gw))
	return mux, nil
}

func writeJSON(w http.ResponseWriter, m runtime.Marshaler, v any) {
	body, err := m.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", m.ContentType(v))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// ============================================================================
// HTTP routes
// ============================================================================

// httpSubmit takes the command payload as the request body. operation_id and
// admin ride in the query string.
func (s *GRPCServer) httpSubmit(ctx context.Context, r *http.Request, params map[string]string) (any, error) {
	req := &SubmitRequest{Type: command.Type(params["type"])}
	q := r.URL.Query()
	if v := q.Get("operation_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid operation_id: %v", err)
		}
		req.OperationID = id
	}
	if v := q.Get("admin"); v != "" {
		admin, err := strconv.ParseBool(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid admin flag: %v", err)
		}
		req.Admin = admin
	}

	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	req.Payload = body
	return s.commands.Submit(ctx, req)
}

func (s *GRPCServer) httpGetPool(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
	asset, err := pathAsset(params)
	if err != nil {
		return nil, err
	}
	return s.queries.GetPool(ctx, &AssetRequest{Asset: asset})
}

func (s *GRPCServer) httpGetPrice(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
	asset, err := pathAsset(params)
	if err != nil {
		return nil, err
	}
	return s.queries.GetPrice(ctx, &AssetRequest{Asset: asset})
}

func (s *GRPCServer) httpGetAccount(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
	account, err := pathAccount(params)
	if err != nil {
		return nil, err
	}
	return s.queries.GetAccount(ctx, &AccountRequest{Account: account})
}

func (s *GRPCServer) httpGetClaimableMnt(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
	account, err := pathAccount(params)
	if err != nil {
		return nil, err
	}
	return s.queries.GetClaimableMnt(ctx, &AccountRequest{Account: account})
}

func (s *GRPCServer) httpGetStatus(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
	return s.queries.GetStatus(ctx, &StatusRequest{})
}

func (s *GRPCServer) httpListEvents(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
	q := r.URL.Query()
	req := &ListEventsRequest{EventType: q.Get("event_type")}

	if v := q.Get("asset"); v != "" {
		asset, err := protocol.ParseAsset(v)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		req.Asset = asset
	}
	if v := q.Get("caller"); v != "" {
		caller, err := uuid.Parse(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid caller: %v", err)
		}
		req.Caller = caller
	}
	if v := q.Get("after_sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid after_sequence: %v", err)
		}
		req.AfterSequence = seq
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit: %v", err)
		}
		req.Limit = limit
	}
	return s.queries.ListEvents(ctx, req)
}

// ============================================================================
// Helpers
// ============================================================================

const maxBodyBytes = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	return body, nil
}

func pathAsset(params map[string]string) (protocol.Asset, error) {
	asset, err := protocol.ParseAsset(params["asset"])
	if err != nil {
		return protocol.AssetNone, status.Error(codes.InvalidArgument, err.Error())
	}
	return asset, nil
}

func pathAccount(params map[string]string) (uuid.UUID, error) {
	account, err := uuid.Parse(params["account"])
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid account: %v", err)
	}
	return account, nil
}
