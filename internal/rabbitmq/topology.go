package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty Name asks the
// broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Descriptor is the immutable topology a manager establishes on every
// fresh channel before publish or consume is allowed.
type Descriptor struct {
	Exchange      ExchangeDeclaration
	WorkQueue     QueueDeclaration
	RoutingKey    string
	PrefetchCount int
}

// DefaultDescriptor returns the topology used by the portal controller and its workers
func DefaultDescriptor() Descriptor {
	return Descriptor{
		Exchange: ExchangeDeclaration{
			Name:    "message",
			Kind:    amqp.ExchangeTopic,
			Durable: true,
		},
		WorkQueue: QueueDeclaration{
			Name:    "rpc_queue",
			Durable: true,
		},
		RoutingKey:    "rpc_queue",
		PrefetchCount: 1,
	}
}

// Validate checks the descriptor before any connection attempt
func (d Descriptor) Validate() error {
	var errs []error
	if d.Exchange.Name == "" {
		errs = append(errs, errors.New("exchange name is required"))
	}
	switch d.Exchange.Kind {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders:
	default:
		errs = append(errs, fmt.Errorf("unsupported exchange kind %q", d.Exchange.Kind))
	}
	if d.WorkQueue.Name == "" {
		errs = append(errs, errors.New("work queue name is required"))
	}
	if d.PrefetchCount < 0 {
		errs = append(errs, fmt.Errorf("prefetch count must not be negative, got %d", d.PrefetchCount))
	}
	return errors.Join(errs...)
}

// Role selects which topology and consumer a manager sets up
type Role int

const (
	// RoleCaller publishes tasks and consumes replies from a private queue
	RoleCaller Role = iota
	// RoleWorker consumes tasks from the work queue and publishes replies
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// TopologyResult holds what the broker assigned during setup
type TopologyResult struct {
	ReplyQueue   string
	ConsumeQueue string
	AutoAck      bool
	Completed    []string
}

// Step is one broker round trip of the topology setup
type Step struct {
	Name   string
	Entity string
	Run    func(ch Channel, result *TopologyResult) error
}

// Plan returns the ordered setup steps for a role
func Plan(d Descriptor, role Role) []Step {
	steps := []Step{
		declareExchangeStep(d.Exchange),
		declareQueueStep(d.WorkQueue, false),
		bindStep(d.WorkQueue.Name, d.Exchange.Name, d.RoutingKey),
	}

	switch role {
	case RoleCaller:
		steps = append(steps, declareQueueStep(QueueDeclaration{Exclusive: true, AutoDelete: true}, true))
	case RoleWorker:
		steps = append(steps, qosStep(d.PrefetchCount))
	}
	return steps
}

// SetupTopology runs the role's plan in order, each step waiting for the
// broker's reply before the next is issued. The first failure aborts the setup.
func SetupTopology(ch Channel, d Descriptor, role Role) (TopologyResult, error) {
	result := TopologyResult{}
	for _, step := range Plan(d, role) {
		if err := step.Run(ch, &result); err != nil {
			return result, &TopologyError{
				Step:      step.Name,
				Name:      step.Entity,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		result.Completed = append(result.Completed, step.Name)
	}

	switch role {
	case RoleCaller:
		result.ConsumeQueue = result.ReplyQueue
		result.AutoAck = true
	case RoleWorker:
		result.ConsumeQueue = d.WorkQueue.Name
	}
	return result, nil
}

func declareExchangeStep(exchange ExchangeDeclaration) Step {
	return Step{
		Name:   "declare-exchange",
		Entity: exchange.Name,
		Run: func(ch Channel, _ *TopologyResult) error {
			return ch.ExchangeDeclare(
				exchange.Name,
				exchange.Kind,
				exchange.Durable,
				exchange.AutoDelete,
				false, // internal
				false, // no-wait
				exchange.Arguments,
			)
		},
	}
}

func declareQueueStep(queue QueueDeclaration, reply bool) Step {
	name := "declare-queue"
	if reply {
		name = "declare-reply-queue"
	}
	return Step{
		Name:   name,
		Entity: queue.Name,
		Run: func(ch Channel, result *TopologyResult) error {
			q, err := ch.QueueDeclare(
				queue.Name,
				queue.Durable,
				queue.AutoDelete,
				queue.Exclusive,
				false, // no-wait
				queue.Arguments,
			)
			if err != nil {
				return err
			}
			if reply {
				if q.Name == "" {
					return errors.New("broker did not assign a queue name")
				}
				result.ReplyQueue = q.Name
			}
			return nil
		},
	}
}

func bindStep(queue, exchange, routingKey string) Step {
	return Step{
		Name:   "bind",
		Entity: fmt.Sprintf("%s->%s", exchange, queue),
		Run: func(ch Channel, _ *TopologyResult) error {
			return ch.QueueBind(queue, routingKey, exchange, false, nil)
		},
	}
}

func qosStep(prefetch int) Step {
	return Step{
		Name:   "qos",
		Entity: fmt.Sprintf("prefetch=%d", prefetch),
		Run: func(ch Channel, _ *TopologyResult) error {
			return ch.Qos(prefetch, 0, false)
		},
	}
}
