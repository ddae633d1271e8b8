package mq

import (
	"context"
	"errors"
	"sync"
	"time"
	"xfl/config"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	dialAttempts = 3
)

type RabbitMQ interface {
	Publisher
	GetChannel() *amqp.Channel
}

// Publisher sends one message to a durable queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// rabbitMQImpl keeps one broker connection and re-dials it lazily once the
// broker closed it. The agent only publishes the odd crash notification.
type rabbitMQImpl struct {
	logger      *zap.Logger
	rabbitmqUrl string
	context     context.Context

	mu   sync.Mutex
	conn *MQConnection
}

type MQConnection struct {
	conn      *amqp.Connection
	closeChan chan *amqp.Error
	logger    *zap.Logger

	closed bool
	mu     sync.Mutex
}

type RabbitMQParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewRabbitMQ returns the broker client, or nil when no broker is configured.
func NewRabbitMQ(p RabbitMQParams) RabbitMQ {
	if p.Config.RabbitMQURL == "" {
		p.Logger.Debug("RabbitMQ not configured, crash notifications disabled")
		return nil
	}
	mqCtx, cancel := context.WithCancel(context.Background())

	svc := &rabbitMQImpl{
		logger:      p.Logger.Named("mq"),
		rabbitmqUrl: p.Config.RabbitMQURL,
		context:     mqCtx,
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := svc.activeConnection(); err != nil {
				// crash notifications are best effort, the job still runs
				svc.logger.Warn("RabbitMQ unavailable at startup", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
	return svc
}

// activeConnection returns the current connection, dialing a new one when
// there is none or the broker closed it.
func (r *rabbitMQImpl) activeConnection() (*MQConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && !r.conn.isClosed() {
		return r.conn, nil
	}
	if r.context.Err() != nil {
		return nil, errors.New("RabbitMQ client stopped")
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(200*time.Millisecond)), dialAttempts-1),
		r.context,
	)
	conn, err := backoff.RetryWithData(func() (*amqp.Connection, error) {
		return amqp.Dial(r.rabbitmqUrl)
	}, b)
	if err != nil {
		r.logger.Error("Failed to connect to RabbitMQ", zap.Error(err))
		return nil, err
	}

	mConn := &MQConnection{
		conn:      conn,
		closeChan: make(chan *amqp.Error, 1),
		logger:    r.logger,
	}
	go mConn.monitor(r.context)
	r.conn = mConn
	r.logger.Debug("connected to RabbitMQ")
	return mConn, nil
}

// monitor the connection. This function is blocking and is intended to be called in a go routine.
func (c *MQConnection) monitor(ctx context.Context) {
	c.conn.NotifyClose(c.closeChan)

	select {
	case err := <-c.closeChan:
		c.logger.Error("RabbitMQ connection closed", zap.Error(err))
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}

func (c *MQConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (r *rabbitMQImpl) GetChannel() *amqp.Channel {
	conn, err := r.activeConnection()
	if err != nil {
		r.logger.Error("Failed to get RabbitMQ channel", zap.Error(err))
		return nil
	}

	ch, err := conn.conn.Channel()
	if err != nil {
		r.logger.Error("Failed to create RabbitMQ channel", zap.Error(err))
		return nil
	}

	return ch
}
