package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/codepr/opsctl/internal/model"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	buildExchange  = "ops.build"
	runnerExchange = "ops.runner"
	dlqExchange    = "ops.build.dlq"

	statusQueue = "build.status.queue"
	logQueue    = "build.log.queue"
)

// Gateway owns one AMQP connection split into a publish channel (with
// confirms enabled) and a consume channel (QoS prefetch=1).
type Gateway struct {
	conn           *amqp.Connection
	publishCh      *amqp.Channel
	consumeCh      *amqp.Channel
	confirms       chan amqp.Confirmation
	publishTimeout time.Duration
	log            *zap.SugaredLogger
}

func Dial(url string, publishTimeout time.Duration, log *zap.SugaredLogger) (*Gateway, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, model.NewError(model.KindBrokerUnavailable, "amqp dial failed", err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, model.NewError(model.KindBrokerUnavailable, "open publish channel", err)
	}
	if err := publishCh.Confirm(false); err != nil {
		conn.Close()
		return nil, model.NewError(model.KindBrokerUnavailable, "enable publisher confirms", err)
	}
	confirms := publishCh.NotifyPublish(make(chan amqp.Confirmation, 1))

	consumeCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, model.NewError(model.KindBrokerUnavailable, "open consume channel", err)
	}
	if err := consumeCh.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, model.NewError(model.KindBrokerUnavailable, "set qos", err)
	}

	g := &Gateway{
		conn:           conn,
		publishCh:      publishCh,
		consumeCh:      consumeCh,
		confirms:       confirms,
		publishTimeout: publishTimeout,
		log:            log,
	}
	if err := g.setupInfrastructure(); err != nil {
		conn.Close()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) setupInfrastructure() error {
	if err := g.publishCh.ExchangeDeclare(buildExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return model.NewError(model.KindBrokerUnavailable, "declare build exchange", err)
	}
	if err := g.publishCh.ExchangeDeclare(runnerExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return model.NewError(model.KindBrokerUnavailable, "declare runner exchange", err)
	}
	if err := g.publishCh.ExchangeDeclare(dlqExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return model.NewError(model.KindBrokerUnavailable, "declare dlq exchange", err)
	}

	if _, err := g.consumeCh.QueueDeclare(statusQueue, true, false, false, false, nil); err != nil {
		return model.NewError(model.KindBrokerUnavailable, "declare status queue", err)
	}
	if err := g.consumeCh.QueueBind(statusQueue, "build.status.#", buildExchange, false, nil); err != nil {
		return model.NewError(model.KindBrokerUnavailable, "bind status queue", err)
	}

	if _, err := g.consumeCh.QueueDeclare(logQueue, true, false, false, false, nil); err != nil {
		return model.NewError(model.KindBrokerUnavailable, "declare log queue", err)
	}
	if err := g.consumeCh.QueueBind(logQueue, "build.log.#", buildExchange, false, nil); err != nil {
		return model.NewError(model.KindBrokerUnavailable, "bind log queue", err)
	}

	return nil
}

// PublishBuild dispatches a build to build.<type>[.<runner>], persistent
// and content-type application/json, waiting for the broker's confirm.
func (g *Gateway) PublishBuild(dispatch BuildDispatch, runnerName string) error {
	return g.publish(buildExchange, dispatchRoutingKey(dispatch.Build.BuildType, runnerName), dispatch)
}

// dispatchRoutingKey builds "build.<type>[.<runner>]" per spec.md §4.G.
func dispatchRoutingKey(buildType, runnerName string) string {
	if runnerName == "" {
		return fmt.Sprintf("build.%s", buildType)
	}
	return fmt.Sprintf("build.%s.%s", buildType, runnerName)
}

// PublishToRunner sends an ad-hoc message on the direct runner exchange
// (registration acks, config pushes).
func (g *Gateway) PublishToRunner(routingKey string, payload interface{}) error {
	return g.publish(runnerExchange, routingKey, payload)
}

func (g *Gateway) publish(exchange, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return model.NewError(model.KindInternal, "marshal broker payload", err)
	}

	err = g.publishCh.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return model.NewError(model.KindBrokerUnavailable, "publish failed", err)
	}

	timeout := g.publishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case confirm := <-g.confirms:
		if !confirm.Ack {
			return model.NewError(model.KindBrokerUnavailable, "publish not acknowledged", nil)
		}
		return nil
	case <-time.After(timeout):
		return model.NewError(model.KindBrokerUnavailable, "publish confirm timed out", nil)
	}
}

// StatusHandler processes one decoded BuildStatus reply.
type StatusHandler func(BuildStatus) error

// LogHandler processes one decoded BuildLog reply.
type LogHandler func(BuildLog) error

// ConsumeStatus consumes build.status.queue with manual ack: the handler
// runs before ack, a malformed message is acked and logged (never
// requeued), and a handler error leaves the message unacked for redelivery.
func (g *Gateway) ConsumeStatus(handler StatusHandler) error {
	deliveries, err := g.consumeCh.Consume(statusQueue, "opsctl-status", false, false, false, false, nil)
	if err != nil {
		return model.NewError(model.KindBrokerUnavailable, "consume status queue", err)
	}
	go func() {
		for d := range deliveries {
			var msg BuildStatus
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				if g.log != nil {
					g.log.Warnw("malformed status message, dropping", "error", err)
				}
				d.Ack(false)
				continue
			}
			if err := handler(msg); err != nil {
				if g.log != nil {
					g.log.Errorw("status handler failed, leaving unacked", "error", err)
				}
				d.Nack(false, true)
				continue
			}
			d.Ack(false)
		}
	}()
	return nil
}

// ConsumeLog consumes build.log.queue with the same ack discipline as
// ConsumeStatus.
func (g *Gateway) ConsumeLog(handler LogHandler) error {
	deliveries, err := g.consumeCh.Consume(logQueue, "opsctl-log", false, false, false, false, nil)
	if err != nil {
		return model.NewError(model.KindBrokerUnavailable, "consume log queue", err)
	}
	go func() {
		for d := range deliveries {
			var msg BuildLog
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				if g.log != nil {
					g.log.Warnw("malformed log message, dropping", "error", err)
				}
				d.Ack(false)
				continue
			}
			if err := handler(msg); err != nil {
				if g.log != nil {
					g.log.Errorw("log handler failed, leaving unacked", "error", err)
				}
				d.Nack(false, true)
				continue
			}
			d.Ack(false)
		}
	}()
	return nil
}

func (g *Gateway) Close() error {
	g.publishCh.Close()
	g.consumeCh.Close()
	return g.conn.Close()
}
