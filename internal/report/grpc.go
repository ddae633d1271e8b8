package report

import (
	"context"
	"fmt"
	"strings"
	"time"
	"xfl/config"
	"xfl/internal/stats"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	schedulerServiceName = "xfl.scheduler.v1.Scheduler"
	reportStatsMethod    = "/" + schedulerServiceName + "/ReportStats"
)

// SchedulerServer is the scheduler side of the stats RPC. Requests carry a
// flattened snapshot, responses may set "cancel" to stop the worker.
type SchedulerServer interface {
	ReportStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func RegisterSchedulerServer(s grpc.ServiceRegistrar, srv SchedulerServer) {
	s.RegisterService(&schedulerServiceDesc, srv)
}

var schedulerServiceDesc = grpc.ServiceDesc{
	ServiceName: schedulerServiceName,
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReportStats",
			Handler:    reportStatsHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "xfl/scheduler/v1/scheduler.proto",
}

func reportStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SchedulerServer).ReportStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: reportStatsMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SchedulerServer).ReportStats(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCSink reports snapshots to the scheduler over gRPC.
type GRPCSink struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *zap.Logger
}

// NewGRPCSink creates the client connection lazily; nothing is dialed until
// the first report.
func NewGRPCSink(target string, cfg config.ReportConfig, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCSink, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.KeepAliveTime > 0 || cfg.KeepAliveTimeout > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepAliveTime,
			Timeout:             cfg.KeepAliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler client for %s: %w", target, err)
	}
	return &GRPCSink{conn, cfg.Timeout, logger.With(zap.String("scheduler", target))}, nil
}

func (s *GRPCSink) Report(ctx context.Context, snapshot stats.Snapshot) (Ack, error) {
	req, err := SnapshotToStruct(snapshot)
	if err != nil {
		return Ack{}, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp := new(structpb.Struct)
	if err := s.conn.Invoke(ctx, reportStatsMethod, req, resp); err != nil {
		return Ack{}, classifyRPCError(err)
	}
	return Ack{Cancel: resp.GetFields()["cancel"].GetBoolValue()}, nil
}

func (s *GRPCSink) Close() error {
	return s.conn.Close()
}

func classifyRPCError(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return &TransientError{err}
	default:
		return err
	}
}

// SnapshotToStruct flattens a snapshot into the wire format. Strings coming
// from argv or fuzzer output are not guaranteed to be UTF-8, invalid bytes are
// replaced.
func SnapshotToStruct(s stats.Snapshot) (*structpb.Struct, error) {
	artifacts := make([]any, len(s.Artifacts))
	for i, a := range s.Artifacts {
		artifacts[i] = validUTF8(a)
	}
	return structpb.NewStruct(map[string]any{
		"worker_id":          s.WorkerID,
		"run_id":             s.RunID,
		"cmd":                validUTF8(s.Cmd),
		"attempt":            s.Attempt,
		"count":              float64(s.Count),
		"execs_sec":          s.ExecsPerSec,
		"crashes":            float64(s.Crashes),
		"queue_entries":      float64(s.QueueEntries),
		"basic_blocks":       float64(s.BasicBlocks.Covered),
		"whole_basic_blocks": float64(s.BasicBlocks.Whole),
		"functions":          float64(s.Functions.Covered),
		"whole_functions":    float64(s.Functions.Whole),
		"lines":              float64(s.Lines.Covered),
		"whole_lines":        float64(s.Lines.Whole),
		"edges":              float64(s.Edges.Covered),
		"whole_edges":        float64(s.Edges.Whole),
		"artifacts":          artifacts,
		"outcome":            string(s.Outcome),
		"exit_code":          s.ExitCode,
		"final":              s.Final,
		"started_at":         s.StartedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":         s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func validUTF8(v string) string {
	return strings.ToValidUTF8(v, "\uFFFD")
}

// SnapshotFromStruct is the inverse of SnapshotToStruct, for the scheduler side.
func SnapshotFromStruct(st *structpb.Struct) stats.Snapshot {
	f := st.GetFields()
	num := func(key string) uint64 { return uint64(f[key].GetNumberValue()) }
	ts := func(key string) time.Time {
		t, _ := time.Parse(time.RFC3339Nano, f[key].GetStringValue())
		return t
	}

	var artifacts []string
	for _, v := range f["artifacts"].GetListValue().GetValues() {
		artifacts = append(artifacts, v.GetStringValue())
	}

	return stats.Snapshot{
		WorkerID:     int(f["worker_id"].GetNumberValue()),
		RunID:        f["run_id"].GetStringValue(),
		Cmd:          f["cmd"].GetStringValue(),
		Attempt:      int(f["attempt"].GetNumberValue()),
		Count:        num("count"),
		ExecsPerSec:  f["execs_sec"].GetNumberValue(),
		Crashes:      num("crashes"),
		QueueEntries: num("queue_entries"),
		BasicBlocks:  stats.Coverage{Covered: num("basic_blocks"), Whole: num("whole_basic_blocks")},
		Functions:    stats.Coverage{Covered: num("functions"), Whole: num("whole_functions")},
		Lines:        stats.Coverage{Covered: num("lines"), Whole: num("whole_lines")},
		Edges:        stats.Coverage{Covered: num("edges"), Whole: num("whole_edges")},
		Artifacts:    artifacts,
		Outcome:      stats.Outcome(f["outcome"].GetStringValue()),
		ExitCode:     int(f["exit_code"].GetNumberValue()),
		Final:        f["final"].GetBoolValue(),
		StartedAt:    ts("started_at"),
		UpdatedAt:    ts("updated_at"),
	}
}
