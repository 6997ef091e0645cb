package statusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/mobility-simulator/internal/logging"
	"github.com/signalsfoundry/mobility-simulator/internal/observability"
	"github.com/signalsfoundry/mobility-simulator/internal/sim"
	"github.com/signalsfoundry/mobility-simulator/model"
	"github.com/signalsfoundry/mobility-simulator/timectrl"
)

type fakeSource struct {
	snap  sim.Snapshot
	users map[string]model.UserRecord
}

func (f *fakeSource) Snapshot() sim.Snapshot { return f.snap }

func (f *fakeSource) User(id string) (model.UserRecord, bool) {
	rec, ok := f.users[id]
	return rec, ok
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		snap: sim.Snapshot{
			RunID:    "run-1",
			Phase:    sim.PhaseRunning,
			Time:     timectrl.MustParseTime("07:05:00"),
			Step:     1,
			Admitted: 2,
			Pending:  3,
			Users:    map[model.UserState]int{model.UserArrived: 1, model.UserInVehicle: 1},
			Vehicles: map[string]int{"PV": 2},
			Reservoirs: []sim.ReservoirStatus{{
				Zone:         "RES",
				State:        model.ReservoirFlowing,
				Speed:        map[string]float64{"CAR": 8.5},
				Accumulation: map[string]float64{"CAR": 1},
			}},
		},
		users: map[string]model.UserRecord{
			"U0": {ID: "U0", Time: timectrl.MustParseTime("07:03:20"), State: model.UserArrived, Node: "DESTINATION_2", Link: "CAR_2 DESTINATION_2"},
		},
	}
}

func dialBufconn(t *testing.T, srv *grpc.Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGetSnapshotOverGRPC(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	collector, err := observability.NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}
	conn := dialBufconn(t, NewServer(newFakeSource(), logging.Noop(), collector))
	client := NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := client.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	m := got.AsMap()
	if m["run_id"] != "run-1" || m["phase"] != "running" || m["time"] != "07:05:00" {
		t.Fatalf("snapshot = %v", m)
	}
	if m["pending"] != float64(3) {
		t.Fatalf("pending = %v, want 3", m["pending"])
	}
	users := m["users"].(map[string]interface{})
	if users["ARRIVED"] != float64(1) || users["INSIDE_VEHICLE"] != float64(1) {
		t.Fatalf("users = %v", users)
	}
	res := m["reservoirs"].([]interface{})
	if len(res) != 1 {
		t.Fatalf("reservoirs = %v", res)
	}
	r0 := res[0].(map[string]interface{})
	if r0["zone"] != "RES" || r0["speed"].(map[string]interface{})["CAR"] != 8.5 {
		t.Fatalf("reservoir = %v", r0)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("GetSnapshot", codes.OK.String())); got != 1 {
		t.Fatalf("rpc counter = %v, want 1", got)
	}
}

func TestGetUserOverGRPC(t *testing.T) {
	t.Parallel()
	conn := dialBufconn(t, NewServer(newFakeSource(), logging.Noop(), nil))
	client := NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := client.GetUser(ctx, "U0")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	m := got.AsMap()
	if m["state"] != "ARRIVED" || m["time"] != "07:03:20" || m["link"] != "CAR_2 DESTINATION_2" {
		t.Fatalf("user = %v", m)
	}
	if _, ok := m["vehicle"]; ok {
		t.Fatalf("empty vehicle should be omitted: %v", m)
	}

	tests := []struct {
		name string
		id   string
		code codes.Code
	}{
		{"unknown user", "U9", codes.NotFound},
		{"missing id", "  ", codes.InvalidArgument},
	}
	for _, tc := range tests {
		_, err := client.GetUser(ctx, tc.id)
		if status.Code(err) != tc.code {
			t.Fatalf("%s: code = %v, want %v (err=%v)", tc.name, status.Code(err), tc.code, err)
		}
	}
}

func TestNilSourceIsUnavailable(t *testing.T) {
	t.Parallel()
	s := NewService(nil, nil)
	if _, err := s.GetSnapshot(context.Background(), nil); status.Code(err) != codes.Unavailable {
		t.Fatalf("GetSnapshot code = %v, want Unavailable", status.Code(err))
	}
}

func TestRunContextInterceptorUsesMetadata(t *testing.T) {
	t.Parallel()
	interceptor := RunContextUnaryServerInterceptor(logging.Noop(), nil)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(requestIDMetadataKey, "req-42"))

	var seen string
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: GetUserMethod}, func(ctx context.Context, _ interface{}) (interface{}, error) {
		seen = logging.RequestIDFromContext(ctx)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if seen != "req-42" {
		t.Fatalf("request id = %q, want req-42", seen)
	}

	_, _ = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: GetUserMethod}, func(ctx context.Context, _ interface{}) (interface{}, error) {
		seen = logging.RequestIDFromContext(ctx)
		return nil, nil
	})
	if seen == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestRunContextInterceptorLogsSimulationState(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := logging.New(logging.Config{Level: "debug", Format: "json", Output: &buf})
	interceptor := RunContextUnaryServerInterceptor(base, newFakeSource())

	var runID string
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: GetUserMethod}, func(ctx context.Context, _ interface{}) (interface{}, error) {
		runID = logging.RunIDFromContext(ctx)
		return nil, status.Error(codes.NotFound, "user U9")
	})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("interceptor err = %v, want NotFound", err)
	}
	if runID != "run-1" {
		t.Fatalf("run id on context = %q, want run-1", runID)
	}

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	want := map[string]any{
		"run_id":   "run-1",
		"step":     float64(1),
		"phase":    "running",
		"sim_time": "07:05:00.00",
		"code":     "NotFound",
		"method":   GetUserMethod,
	}
	for k, v := range want {
		if line[k] != v {
			t.Fatalf("log field %s = %v, want %v (line %v)", k, line[k], v, line)
		}
	}
}
