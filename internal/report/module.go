package report

import (
	"context"
	"xfl/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type SinkParams struct {
	fx.In

	Lc           fx.Lifecycle
	WorkerConfig *config.WorkerConfig
	AppConfig    *config.AppConfig
	RedisClient  redis.UniversalClient `optional:"true"`
	Logger       *zap.Logger
}

// NewSink picks the scheduler sink for the job: gRPC when an address was
// given, logging otherwise. A configured redis receives a copy of every
// snapshot.
func NewSink(p SinkParams) (Sink, error) {
	var primary Sink
	if p.WorkerConfig.HasScheduler() {
		target := p.WorkerConfig.SchedulerAddress().String()
		grpcSink, err := NewGRPCSink(target, p.AppConfig.ReportConfig, p.Logger)
		if err != nil {
			return nil, err
		}
		p.Lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return grpcSink.Close()
			},
		})
		p.Logger.Info("reporting stats to scheduler", zap.String("scheduler", target))
		primary = grpcSink
	} else {
		p.Logger.Info("no scheduler address, stats are logged only")
		primary = NewLogSink(p.Logger)
	}

	if p.RedisClient == nil {
		return primary, nil
	}
	return NewMultiSink(p.Logger, primary, NewRedisSink(p.RedisClient, p.AppConfig.ReportConfig.StatsTTL)), nil
}

var Module = fx.Provide(NewSink)
