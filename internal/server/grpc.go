package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "perpvault.v1.VaultService"

// rpc is one method of VaultService, served over gRPC and the HTTP gateway.
type rpc struct {
	name   string
	verb   string
	path   string
	newReq func() any
	invoke func(s *VaultService, ctx context.Context, req any) (any, error)
}

func handle[Req, Resp any](name, verb, path string, fn func(*VaultService, context.Context, *Req) (*Resp, error)) rpc {
	return rpc{
		name:   name,
		verb:   verb,
		path:   path,
		newReq: func() any { return new(Req) },
		invoke: func(s *VaultService, ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*Req))
		},
	}
}

var rpcs = []rpc{
	// Queries
	handle("GetAums", http.MethodGet, "/v1/aum", (*VaultService).GetAums),
	handle("GetParams", http.MethodGet, "/v1/params", (*VaultService).GetParams),
	handle("ListTokenInfos", http.MethodGet, "/v1/tokens", (*VaultService).ListTokenInfos),
	handle("GetTokenInfo", http.MethodGet, "/v1/tokens/{token}", (*VaultService).GetTokenInfo),
	handle("GetFundingRates", http.MethodGet, "/v1/funding-rates", (*VaultService).GetFundingRates),
	handle("ListPositions", http.MethodGet, "/v1/accounts/{account}/positions", (*VaultService).ListPositions),
	handle("GetPosition", http.MethodGet, "/v1/accounts/{account}/positions/{collateral_token}/{index_token}/{side}", (*VaultService).GetPosition),
	handle("GetBalance", http.MethodGet, "/v1/balances/{token}/{holder}", (*VaultService).GetBalance),

	// Liquidity and trading
	handle("BuyUSDG", http.MethodPost, "/v1/usdg/buy", (*VaultService).BuyUSDG),
	handle("SellUSDG", http.MethodPost, "/v1/usdg/sell", (*VaultService).SellUSDG),
	handle("Swap", http.MethodPost, "/v1/swap", (*VaultService).Swap),
	handle("IncreasePosition", http.MethodPost, "/v1/positions/increase", (*VaultService).IncreasePosition),
	handle("DecreasePosition", http.MethodPost, "/v1/positions/decrease", (*VaultService).DecreasePosition),
	handle("LiquidatePosition", http.MethodPost, "/v1/positions/liquidate", (*VaultService).LiquidatePosition),
	handle("UpdateFundingRate", http.MethodPost, "/v1/funding-rates/update", (*VaultService).UpdateFundingRate),
	handle("DirectPoolDeposit", http.MethodPost, "/v1/pool/deposit", (*VaultService).DirectPoolDeposit),
	handle("WithdrawFees", http.MethodPost, "/v1/fees/withdraw", (*VaultService).WithdrawFees),
	handle("AddRouter", http.MethodPost, "/v1/routers/add", (*VaultService).AddRouter),
	handle("RemoveRouter", http.MethodPost, "/v1/routers/remove", (*VaultService).RemoveRouter),

	// Governance
	handle("SetTokenConfig", http.MethodPost, "/v1/admin/token-config", (*VaultService).SetTokenConfig),
	handle("ClearTokenConfig", http.MethodPost, "/v1/admin/token-config/clear", (*VaultService).ClearTokenConfig),
	handle("SetFees", http.MethodPost, "/v1/admin/fees", (*VaultService).SetFees),
	handle("SetFundingRate", http.MethodPost, "/v1/admin/funding-rate", (*VaultService).SetFundingRate),
	handle("SetLimit", http.MethodPost, "/v1/admin/limit", (*VaultService).SetLimit),
	handle("SetMode", http.MethodPost, "/v1/admin/mode", (*VaultService).SetMode),
	handle("SetRole", http.MethodPost, "/v1/admin/role", (*VaultService).SetRole),
	handle("SetBufferAmount", http.MethodPost, "/v1/admin/buffer-amount", (*VaultService).SetBufferAmount),
	handle("SetUsdgAmount", http.MethodPost, "/v1/admin/usdg-amount", (*VaultService).SetUsdgAmount),
	handle("SetAumAdjustment", http.MethodPost, "/v1/admin/aum-adjustment", (*VaultService).SetAumAdjustment),
	handle("SetError", http.MethodPost, "/v1/admin/error", (*VaultService).SetError),
}

// faucet is served only when enabled in the config.
var faucet = handle("MintTokens", http.MethodPost, "/v1/admin/mint", (*VaultService).MintTokens)

func routes(enableFaucet bool) []rpc {
	if !enableFaucet {
		return rpcs
	}
	return append(rpcs[:len(rpcs):len(rpcs)], faucet)
}

// dispatch runs one rpc, records its metrics and converts the error to a
// gRPC status.
func (s *VaultService) dispatch(ctx context.Context, r rpc, req any) (any, error) {
	start := time.Now()
	resp, err := r.invoke(s, ctx, req)
	st := toStatus(err)

	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(r.name, st.Code().String()).Inc()
		s.metrics.QueryDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		ev := s.logger.Debug()
		if st.Code() == codes.Internal || st.Code() == codes.Unknown {
			ev = s.logger.Error()
		}
		ev.Err(err).Str("method", r.name).Str("code", st.Code().String()).Msg("request failed")
		return nil, st.Err()
	}
	return resp, nil
}

// VaultServer is the handler type of the registered service.
type VaultServer interface {
	GetParams(ctx context.Context, req *Empty) (*ParamsResponse, error)
}

// ServiceDesc describes VaultService to grpc.Server. Messages are plain Go
// structs carried by the json codec.
func ServiceDesc(enableFaucet bool) *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*VaultServer)(nil),
		Metadata:    "perpvault/v1/vault.json",
	}
	for _, r := range routes(enableFaucet) {
		desc.Methods = append(desc.Methods, r.methodDesc())
	}
	return desc
}

func (r rpc) methodDesc() grpc.MethodDesc {
	fullMethod := FullMethod(r.name)
	return grpc.MethodDesc{
		MethodName: r.name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := r.newReq()
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", r.name, err)
			}
			svc := srv.(*VaultService)
			call := func(ctx context.Context, req any) (any, error) {
				return svc.dispatch(ctx, r, req)
			}
			if interceptor == nil {
				return call(ctx, req)
			}
			return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, call)
		},
	}
}

// FullMethod returns the gRPC method path of name, for clients calling
// with grpc.ClientConn.Invoke.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	service    *VaultService
	stream     http.Handler
	auth       *Authenticator
	faucet     bool
	logger     zerolog.Logger
}

// ServerDeps holds the dependencies of the servers.
type ServerDeps struct {
	Service *VaultService
	// Mounted at /v1/stream on the gateway when set
	Stream http.Handler
	// Resolves the caller of actions; without it every action is refused
	Auth *Authenticator
	// Serve MintTokens at /v1/admin/mint
	EnableFaucet bool
	Logger       zerolog.Logger
}

// NewGRPCServer creates the gRPC server with VaultService, health and
// reflection registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	var opts []grpc.ServerOption
	if deps.Auth != nil {
		opts = append(opts, grpc.ChainUnaryInterceptor(deps.Auth.UnaryInterceptor()))
	}
	grpcServer := grpc.NewServer(opts...)
	grpcServer.RegisterService(ServiceDesc(deps.EnableFaucet), deps.Service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		service:    deps.Service,
		stream:     deps.Stream,
		auth:       deps.Auth,
		faucet:     deps.EnableFaucet,
		logger:     deps.Logger,
	}
}

// Server exposes the underlying grpc.Server, e.g. to serve a custom listener.
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP/JSON gateway. Routes call VaultService in
// process with the same error mapping as gRPC.
func (s *GRPCServer) Handler() (http.Handler, error) {
	gw := runtime.NewServeMux()
	for _, r := range routes(s.faucet) {
		if err := gw.HandlePath(r.verb, r.path, s.httpHandler(r)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.verb, r.path, err)
		}
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	if s.stream != nil {
		router.Handle("/v1/stream", s.stream)
	}
	router.Handle("/*", gw)
	return router, nil
}

// StartHTTPGateway starts the HTTP gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
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
	return nil
}

// ErrorBody is the JSON error of the HTTP gateway.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	VaultCode int    `json:"vault_code,omitempty"`
	Category  string `json:"category,omitempty"`
}

func (s *GRPCServer) httpHandler(r rpc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request, params map[string]string) {
		in := r.newReq()
		if req.Method != http.MethodGet {
			if err := json.NewDecoder(req.Body).Decode(in); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, status.New(codes.InvalidArgument, "decode body: "+err.Error()))
				return
			}
		}
		if b, ok := in.(httpBinder); ok {
			if err := b.bindHTTP(params, req.URL.Query()); err != nil {
				writeError(w, status.New(codes.InvalidArgument, err.Error()))
				return
			}
		}

		ctx, err := s.auth.httpContext(req)
		if err != nil {
			writeError(w, status.Convert(err))
			return
		}
		out, err := s.service.dispatch(ctx, r, in)
		if err != nil {
			writeError(w, status.Convert(err))
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeError(w http.ResponseWriter, st *status.Status) {
	body := ErrorBody{Code: st.Code().String(), Message: st.Message()}
	if code, cat, ok := errorInfo(st); ok {
		body.VaultCode = code
		body.Category = cat
	}
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]ErrorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
