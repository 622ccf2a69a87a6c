package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"PerpVault/internal/server"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var apiKeys = map[string]string{
	"gov-key":   string(gov),
	"alice-key": string(alice),
}

func newServer(t *testing.T, f *fixture, faucet bool, stream http.Handler) *server.GRPCServer {
	t.Helper()
	auth, err := server.NewAuthenticator(apiKeys)
	require.NoError(t, err)
	return server.NewGRPCServer("", "", &server.ServerDeps{
		Service:      f.svc,
		Stream:       stream,
		Auth:         auth,
		EnableFaucet: faucet,
		Logger:       zerolog.Nop(),
	})
}

// withKey authenticates outgoing gRPC calls of ctx.
func withKey(ctx context.Context, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+key)
}

func dialBufconn(t *testing.T, srv *server.GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Server().Serve(lis) }()
	t.Cleanup(srv.Server().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_RoundTrip(t *testing.T) {
	f := newFixture(t)
	conn := dialBufconn(t, newServer(t, f, true, nil))
	ctx := context.Background()

	var minted server.BalanceResponse
	require.NoError(t, conn.Invoke(withKey(ctx, "gov-key"), server.FullMethod("MintTokens"), &server.MintRequest{
		Token:  eth,
		To:     alice,
		Amount: tok("2"),
	}, &minted))
	assert.Equal(t, tok("2").Dec(), minted.Balance.Dec())

	var bought server.ActionResponse
	require.NoError(t, conn.Invoke(withKey(ctx, "alice-key"), server.FullMethod("BuyUSDG"), &server.BuyUSDGRequest{
		Token:  eth,
		Amount: tok("1"),
	}, &bought))
	assert.Equal(t, tok("1994").Dec(), bought.Amount.Dec())

	var params server.ParamsResponse
	require.NoError(t, conn.Invoke(ctx, server.FullMethod("GetParams"), &server.Empty{}, &params))
	assert.Equal(t, bought.Sequence, params.AsOfSequence)
	assert.Equal(t, bought.ChainTip, params.ChainTip)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.QueryRequests.WithLabelValues("BuyUSDG", "OK")))
}

func TestGRPC_RejectionCarriesErrorInfo(t *testing.T) {
	f := newFixture(t)
	conn := dialBufconn(t, newServer(t, f, false, nil))

	var out server.ActionResponse
	err := conn.Invoke(withKey(context.Background(), "alice-key"), server.FullMethod("SetFees"), &server.SetFeesRequest{}, &out)
	require.Error(t, err)

	st := status.Convert(err)
	assert.Equal(t, codes.PermissionDenied, st.Code())
	require.Len(t, st.Details(), 1)
	info, ok := st.Details()[0].(*errdetails.ErrorInfo)
	require.True(t, ok)
	assert.Equal(t, server.ErrorDomain, info.GetDomain())
	assert.Equal(t, "20", info.GetMetadata()["code"])
	assert.Equal(t, "authorization", info.GetMetadata()["category"])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.QueryRequests.WithLabelValues("SetFees", "PermissionDenied")))
}

func newGateway(t *testing.T, f *fixture, faucet bool) *httptest.Server {
	t.Helper()
	srv := newServer(t, f, faucet, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h, err := srv.Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, key, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGateway_ActionsAndQueries(t *testing.T) {
	f := newFixture(t)
	ts := newGateway(t, f, true)

	resp := post(t, ts, "gov-key", "/v1/admin/mint", map[string]any{"token": eth, "to": alice, "amount": tok("1").Dec()})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, ts, "alice-key", "/v1/usdg/buy", map[string]any{"token": eth, "amount": tok("1").Dec()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	action := decode[server.ActionResponse](t, resp)
	assert.Equal(t, tok("1994").Dec(), action.Amount.Dec())

	resp = get(t, ts, "/v1/balances/"+string(usdgToken)+"/"+string(alice))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal := decode[server.BalanceResponse](t, resp)
	assert.Equal(t, tok("1994").Dec(), bal.Balance.Dec())
	assert.Equal(t, action.Sequence, bal.AsOfSequence)

	resp = get(t, ts, "/v1/tokens/"+string(eth))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[map[string]any](t, resp)
	assert.Equal(t, true, info["whitelisted"])

	resp = get(t, ts, "/v1/funding-rates?tokens="+string(eth)+","+string(dai))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rates := decode[map[string]any](t, resp)
	assert.Len(t, rates["items"], 2)

	resp = get(t, ts, "/v1/stream")
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestGateway_Errors(t *testing.T) {
	f := newFixture(t)
	ts := newGateway(t, f, false)

	type errorResponse struct {
		Error server.ErrorBody `json:"error"`
	}

	resp := get(t, ts, "/v1/accounts/"+string(alice)+"/positions/"+string(eth)+"/"+string(eth)+"/long")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", decode[errorResponse](t, resp).Error.Code)

	resp = get(t, ts, "/v1/accounts/"+string(alice)+"/positions/"+string(eth)+"/"+string(eth)+"/sideways")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, ts, "gov-key", "/v1/admin/token-config", map[string]any{"token": "0xw", "decimals": 31})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorResponse](t, resp).Error
	assert.Equal(t, "FailedPrecondition", body.Code)
	assert.Equal(t, 14, body.VaultCode)
	assert.Equal(t, "configuration", body.Category)

	resp = post(t, ts, "alice-key", "/v1/swap", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGRPC_CallerComesFromCredentials(t *testing.T) {
	f := newFixture(t)
	conn := dialBufconn(t, newServer(t, f, false, nil))
	ctx := context.Background()
	var out server.ActionResponse

	err := conn.Invoke(ctx, server.FullMethod("SetFees"), &server.SetFeesRequest{}, &out)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	err = conn.Invoke(withKey(ctx, "not-a-key"), server.FullMethod("SetFees"), &server.SetFeesRequest{}, &out)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	// queries stay open
	var params server.ParamsResponse
	require.NoError(t, conn.Invoke(ctx, server.FullMethod("GetParams"), &server.Empty{}, &params))

	var bal server.BalanceResponse
	err = conn.Invoke(withKey(ctx, "gov-key"), server.FullMethod("MintTokens"), &server.MintRequest{Token: eth, To: alice, Amount: tok("1")}, &bal)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestGateway_IgnoresCallerInBody(t *testing.T) {
	f := newFixture(t)
	ts := newGateway(t, f, false)

	// a body naming gov does not make alice gov
	resp := post(t, ts, "alice-key", "/v1/admin/limit", map[string]any{"caller": gov, "limit": "max_leverage", "value": 200_000})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = post(t, ts, "", "/v1/admin/limit", map[string]any{"caller": gov, "limit": "max_leverage", "value": 200_000})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, ts, "gov-key", "/v1/admin/limit", map[string]any{"limit": "max_leverage", "value": 200_000})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, ts, "gov-key", "/v1/admin/mint", map[string]any{"token": eth, "to": alice, "amount": "1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
