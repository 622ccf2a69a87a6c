package server

import (
	"context"
	"errors"
	"strconv"

	"PerpVault/internal/errcode"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/reader"
	"PerpVault/internal/usdg"
	"PerpVault/internal/vault"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain tags the ErrorInfo detail of vault rejections.
const ErrorDomain = "perpvault"

// toStatus maps a service error to a gRPC status. Vault rejections carry
// an ErrorInfo detail with their numeric code and category.
func toStatus(err error) *status.Status {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err)
	}

	if code, ok := errcode.CodeOf(err); ok {
		cat := errcode.CategoryOf(code)
		st := status.New(categoryCode(cat), err.Error())
		withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{
			Reason: "VAULT_" + strconv.Itoa(int(code)),
			Domain: ErrorDomain,
			Metadata: map[string]string{
				"code":     strconv.Itoa(int(code)),
				"category": string(cat),
			},
		})
		if derr != nil {
			return st
		}
		return withInfo
	}

	switch {
	case errors.Is(err, reader.ErrNoPosition):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return status.New(codes.FailedPrecondition, err.Error())
	case errors.Is(err, usdg.ErrForbidden), errors.Is(err, usdg.ErrNotVault):
		return status.New(codes.PermissionDenied, err.Error())
	case errors.Is(err, oracle.ErrNoPrice), errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, vault.ErrSequencerStopped):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, fpmath.ErrOverflow), errors.Is(err, fpmath.ErrUnderflow),
		errors.Is(err, fpmath.ErrDivByZero), errors.Is(err, fpmath.ErrOutOfRange),
		errors.Is(err, ledger.ErrSupplyOverflow):
		return status.New(codes.OutOfRange, err.Error())
	default:
		return status.New(codes.Internal, err.Error())
	}
}

func categoryCode(cat errcode.Category) codes.Code {
	switch cat {
	case errcode.CategoryAuthorization:
		return codes.PermissionDenied
	case errcode.CategoryConfiguration, errcode.CategoryMarketState:
		return codes.FailedPrecondition
	case errcode.CategoryPositionSafety, errcode.CategoryLiquiditySafety:
		return codes.InvalidArgument
	default:
		return codes.Unknown
	}
}

// errorInfo returns the vault code and category attached to st, if any.
func errorInfo(st *status.Status) (code int, category string, ok bool) {
	for _, d := range st.Details() {
		info, isInfo := d.(*errdetails.ErrorInfo)
		if !isInfo || info.GetDomain() != ErrorDomain {
			continue
		}
		c, err := strconv.Atoi(info.GetMetadata()["code"])
		if err != nil {
			continue
		}
		return c, info.GetMetadata()["category"], true
	}
	return 0, "", false
}
