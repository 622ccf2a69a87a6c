package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"PerpVault/internal/ledger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var errBadCredentials = errors.New("invalid api key")

type callerKey struct{}

// WithCaller returns ctx carrying the authenticated account actions run as.
// The transports set it from credentials; in-process callers set it directly.
func WithCaller(ctx context.Context, caller ledger.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated account of ctx.
func CallerFrom(ctx context.Context) (ledger.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(ledger.Address)
	return caller, ok && !caller.IsZero()
}

type apiKey struct {
	key     []byte
	account ledger.Address
}

// Authenticator maps API keys to the accounts they act as.
type Authenticator struct {
	keys []apiKey
}

// NewAuthenticator builds an Authenticator from key -> account pairs.
func NewAuthenticator(keys map[string]string) (*Authenticator, error) {
	a := &Authenticator{}
	for key, account := range keys {
		if key == "" || account == "" {
			return nil, errors.New("api key and account must be non-empty")
		}
		a.keys = append(a.keys, apiKey{key: []byte(key), account: ledger.Address(account)})
	}
	return a, nil
}

// Resolve returns the account of an Authorization value, "Bearer <key>" or
// a bare key. An empty value resolves to no account and no error.
func (a *Authenticator) Resolve(authorization string) (ledger.Address, error) {
	token := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if token == "" {
		return "", nil
	}
	var account ledger.Address
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(token), k.key) == 1 {
			account = k.account
		}
	}
	if account.IsZero() {
		return "", errBadCredentials
	}
	return account, nil
}

// authenticate attaches the account of authorization to ctx. Requests
// without credentials stay anonymous and can only query.
func (a *Authenticator) authenticate(ctx context.Context, authorization string) (context.Context, error) {
	account, err := a.Resolve(authorization)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	if account.IsZero() {
		return ctx, nil
	}
	return WithCaller(ctx, account), nil
}

// UnaryInterceptor authenticates gRPC calls from the "authorization"
// metadata entry.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var authorization string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("authorization"); len(vals) > 0 {
				authorization = vals[0]
			}
		}
		ctx, err := a.authenticate(ctx, authorization)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// httpContext authenticates a gateway request from its Authorization header.
func (a *Authenticator) httpContext(r *http.Request) (context.Context, error) {
	if a == nil {
		return r.Context(), nil
	}
	return a.authenticate(r.Context(), r.Header.Get("Authorization"))
}
