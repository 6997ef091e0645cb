// Package statusapi serves the read-only gRPC view of a running simulation.
package statusapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/internal/observability"
	"github.com/signalsfoundry/mobility-simulator/internal/sim"
	"github.com/signalsfoundry/mobility-simulator/model"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "mobility.v1.SimulationStatus"

	GetSnapshotMethod = "/" + ServiceName + "/GetSnapshot"
	GetUserMethod     = "/" + ServiceName + "/GetUser"
)

// Source is the simulation state the service reads. *sim.Supervisor
// satisfies it.
type Source interface {
	Snapshot() sim.Snapshot
	User(id string) (model.UserRecord, bool)
}

// StatusServer is the server API of the SimulationStatus service. Messages
// are google.protobuf.Struct values.
type StatusServer interface {
	GetSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Service implements StatusServer over a Source.
type Service struct {
	src Source
	log logging.Logger
}

// NewService constructs a Service bound to src.
func NewService(src Source, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{src: src, log: log}
}

// GetSnapshot returns the state published by the last completed step.
func (s *Service) GetSnapshot(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.src == nil {
		return nil, ToStatusError(ErrUnavailable)
	}
	log := logging.LoggerFromContext(ctx, s.log)
	snap := s.src.Snapshot()
	out, err := structpb.NewStruct(snapshotFields(snap))
	if err != nil {
		log.Error(ctx, "snapshot encoding failed", logging.Err(err))
		return nil, ToStatusError(err)
	}
	log.Debug(ctx, "snapshot served",
		logging.String("phase", string(snap.Phase)),
		logging.Int("step", snap.Step),
	)
	return out, nil
}

// GetUser returns the last trace row of the user named by the "id" field.
func (s *Service) GetUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.src == nil {
		return nil, ToStatusError(ErrUnavailable)
	}
	id := strings.TrimSpace(req.GetFields()["id"].GetStringValue())
	if id == "" {
		return nil, ToStatusError(fmt.Errorf("%w: id is required", ErrInvalidRequest))
	}
	rec, ok := s.src.User(id)
	if !ok {
		return nil, ToStatusError(fmt.Errorf("%w: user %q", ErrNotFound, id))
	}
	out, err := structpb.NewStruct(userFields(rec))
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func snapshotFields(snap sim.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"run_id":              snap.RunID,
		"phase":               string(snap.Phase),
		"time":                snap.Time.String(),
		"step":                snap.Step,
		"admitted":            snap.Admitted,
		"pending":             snap.Pending,
		"active_restrictions": snap.ActiveRestrictions,
		"users": lo.MapEntries(snap.Users, func(k model.UserState, v int) (string, interface{}) {
			return string(k), v
		}),
		"vehicles": lo.MapValues(snap.Vehicles, func(v int, _ string) interface{} { return v }),
		"reservoirs": lo.Map(snap.Reservoirs, func(r sim.ReservoirStatus, _ int) interface{} {
			return map[string]interface{}{
				"zone":         r.Zone,
				"state":        string(r.State),
				"speed":        anyValues(r.Speed),
				"accumulation": anyValues(r.Accumulation),
			}
		}),
	}
}

func userFields(rec model.UserRecord) map[string]interface{} {
	out := map[string]interface{}{
		"id":    rec.ID,
		"time":  rec.Time.String(),
		"state": string(rec.State),
		"node":  rec.Node,
	}
	for k, v := range map[string]string{"link": rec.Link, "vehicle": rec.Vehicle, "service": rec.Service, "reason": rec.Reason} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func anyValues(m map[string]float64) map[string]interface{} {
	return lo.MapValues(m, func(v float64, _ string) interface{} { return v })
}

// ServiceDesc describes the SimulationStatus service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
		{MethodName: "GetUser", Handler: getUserHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mobility/v1/status.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv StatusServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func getSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetSnapshotMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatusServer).GetSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getUserHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).GetUser(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetUserMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatusServer).GetUser(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// NewServer builds a gRPC server with the status service registered,
// OpenTelemetry instrumentation, request logging and, when collector is
// non-nil, RPC metrics.
func NewServer(src Source, log logging.Logger, collector *observability.RPCCollector, opts ...grpc.ServerOption) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{
		RunContextUnaryServerInterceptor(log, src),
		TracingUnaryServerInterceptor(),
	}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	}, opts...)
	srv := grpc.NewServer(opts...)
	Register(srv, NewService(src, log))
	return srv
}

// Client calls the SimulationStatus service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetSnapshot fetches the current snapshot.
func (c *Client) GetSnapshot(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetSnapshotMethod, &structpb.Struct{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetUser fetches the last trace row of a user.
func (c *Client) GetUser(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetUserMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
