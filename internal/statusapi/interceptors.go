package statusapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/mobility-simulator/internal/logging"
)

const requestIDMetadataKey = "x-request-id"

// RunContextUnaryServerInterceptor gives every status call a request_id,
// taken from the x-request-id header when present, and the run_id of the
// simulation behind src. The handler's logger carries the method plus the
// run id, step and simulated time the call observed. Completed calls are
// logged at debug level with their gRPC code.
func RunContextUnaryServerInterceptor(base logging.Logger, src Source) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if incoming := firstHeader(md, requestIDMetadataKey); incoming != "" {
				ctx = logging.ContextWithRequestID(ctx, incoming)
			}
		}

		fields := []logging.Field{logging.String("method", info.FullMethod)}
		if src != nil {
			snap := src.Snapshot()
			if snap.RunID != "" {
				ctx = logging.ContextWithRunID(ctx, snap.RunID)
				fields = append(fields, logging.String("run_id", snap.RunID))
			}
			fields = append(fields,
				logging.String("phase", string(snap.Phase)),
				logging.Int("step", snap.Step),
				logging.Stringer("sim_time", snap.Time),
			)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(fields...))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		began := time.Now()
		resp, err := handler(ctx, req)
		done := []logging.Field{
			logging.String("code", status.Code(err).String()),
			logging.String("elapsed", time.Since(began).String()),
		}
		if err != nil {
			done = append(done, logging.Err(err))
		}
		reqLog.Debug(ctx, "status call", done...)
		return resp, err
	}
}

func firstHeader(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
