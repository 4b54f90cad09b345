package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Decision is the outcome a delivery handler returns for one message.
type Decision int

const (
	// Ack confirms successful processing.
	Ack Decision = iota
	// Nack reports failure without asking for redelivery.
	Nack
	// NackRequeue reports failure and asks the broker to redeliver.
	NackRequeue
	// Drop discards the message locally without changing its broker
	// acknowledgment state.
	Drop
	// Halt requeues the message and stops the subscription.
	Halt
)

// String returns the lowercase decision name.
func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case NackRequeue:
		return "nack-requeue"
	case Drop:
		return "drop"
	case Halt:
		return "halt"
	default:
		return "unknown"
	}
}

// DeliveryHandler processes one delivery and returns its acknowledgment
// decision. Panics are recovered by the dispatch loop and treated as
// NackRequeue.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) Decision

// Executor runs handler invocations. The dispatch loop submits each
// delivery's processing here so a slow handler never blocks delivery
// intake or disconnect detection.
type Executor interface {
	Submit(task func()) error
}

// inlineExecutor runs tasks on the calling goroutine. It is the default
// for the blocking consumption mode.
type inlineExecutor struct{}

func (inlineExecutor) Submit(task func()) error {
	task()
	return nil
}

// Binding declares what a consumer session subscribes to. It is immutable
// once registered; the consumer manager holds it so the subscription can
// be replayed after every reconnect.
type Binding struct {
	Queue       string
	Exchange    string
	RoutingKeys []string
	Prefetch    int
	Durable     bool
	AutoDelete  bool
	Args        amqp.Table
	Handler     DeliveryHandler
	// OnError receives terminal subscription errors: rebind failures
	// after a reconnect, handler-requested halts, and manager shutdown
	// caused by a fatal broker error.
	OnError func(error)
}

// registration pairs a binding with its per-subscription state. The
// tracker survives reconnects (its ledger is reset); the session is
// replaced on every successful connect.
type registration struct {
	binding Binding
	tracker *DeliveryTracker
	session *consumerSession
}

// ConsumerManager supervises consumer sessions. It listens to connection
// state changes and replays every registered binding, in registration
// order, after each successful connect.
type ConsumerManager struct {
	source ChannelSource
	exec   Executor
	logger *slog.Logger

	defaultPrefetch int

	mu            sync.Mutex
	registrations []*registration
	closed        bool
}

// ConsumerOption configures the ConsumerManager.
type ConsumerOption func(*ConsumerManager)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(cm *ConsumerManager) {
		cm.logger = logger
	}
}

// WithExecutor sets the executor handler invocations run on.
func WithExecutor(exec Executor) ConsumerOption {
	return func(cm *ConsumerManager) {
		cm.exec = exec
	}
}

// WithDefaultPrefetch sets the flow-control limit used by bindings that
// do not specify one.
func WithDefaultPrefetch(count int) ConsumerOption {
	return func(cm *ConsumerManager) {
		cm.defaultPrefetch = count
	}
}

// NewConsumerManager creates a consumer manager over a channel source.
// Register it as a state listener on the connection manager so bindings
// are replayed on reconnect.
func NewConsumerManager(source ChannelSource, options ...ConsumerOption) *ConsumerManager {
	cm := &ConsumerManager{
		source:          source,
		exec:            inlineExecutor{},
		logger:          slog.Default(),
		defaultPrefetch: 10,
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// BindingHandle refers to one active subscription.
type BindingHandle struct {
	queue   string
	manager *ConsumerManager
}

// Queue returns the subscribed queue name.
func (h *BindingHandle) Queue() string {
	return h.queue
}

// Outstanding returns the subscription's unacknowledged delivery count.
func (h *BindingHandle) Outstanding() int {
	return h.manager.Outstanding(h.queue)
}

// Cancel stops the subscription. Deliveries already handed to the handler
// run to completion; no new deliveries are accepted.
func (h *BindingHandle) Cancel() error {
	return h.manager.Cancel(h.queue)
}

// Bind registers a consumer binding. If the connection is live the
// session starts immediately; otherwise it is queued and started by the
// next successful connect.
func (cm *ConsumerManager) Bind(ctx context.Context, b Binding) (*BindingHandle, error) {
	if b.Queue == "" {
		return nil, &ConsumerError{Op: "bind", Err: fmt.Errorf("queue name is required"), Timestamp: time.Now()}
	}
	if b.Handler == nil {
		return nil, &ConsumerError{Queue: b.Queue, Op: "bind", Err: fmt.Errorf("handler is required"), Timestamp: time.Now()}
	}
	if b.Prefetch <= 0 {
		b.Prefetch = cm.defaultPrefetch
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	for _, reg := range cm.registrations {
		if reg.binding.Queue == b.Queue {
			cm.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, b.Queue)
		}
	}
	reg := &registration{
		binding: b,
		tracker: NewDeliveryTracker(b.Prefetch),
	}
	cm.registrations = append(cm.registrations, reg)
	connected := cm.source.State() == StateConnected
	cm.mu.Unlock()

	if connected {
		if err := cm.startSession(reg); err != nil {
			cm.remove(b.Queue)
			return nil, err
		}
	}

	cm.logger.Info("consumer binding registered",
		"queue", b.Queue,
		"exchange", b.Exchange,
		"prefetch", b.Prefetch,
		"active", connected)

	return &BindingHandle{queue: b.Queue, manager: cm}, nil
}

// Cancel unregisters the binding for a queue and stops its session.
func (cm *ConsumerManager) Cancel(queue string) error {
	cm.mu.Lock()
	var reg *registration
	for _, r := range cm.registrations {
		if r.binding.Queue == queue {
			reg = r
			break
		}
	}
	cm.mu.Unlock()

	if reg == nil {
		return fmt.Errorf("%w: no binding for queue %q", ErrConsumerCancelled, queue)
	}
	if reg.session != nil {
		reg.session.stop()
	}
	cm.remove(queue)
	cm.logger.Info("consumer binding cancelled", "queue", queue)
	return nil
}

// Outstanding returns the unacknowledged delivery count for a queue, or
// zero when the queue has no binding.
func (cm *ConsumerManager) Outstanding(queue string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, reg := range cm.registrations {
		if reg.binding.Queue == queue {
			return reg.tracker.Outstanding()
		}
	}
	return 0
}

// Bindings returns the queues with registered bindings, in registration
// order.
func (cm *ConsumerManager) Bindings() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	queues := make([]string, 0, len(cm.registrations))
	for _, reg := range cm.registrations {
		queues = append(queues, reg.binding.Queue)
	}
	return queues
}

// OnConnected replays every registered binding in registration order.
// Outstanding counts are reset first: deliveries unacknowledged at the
// moment of disconnect are redelivered by the broker, and stale ledger
// entries would wedge flow control. A binding that cannot be
// re-established is terminated and reported through its OnError hook.
func (cm *ConsumerManager) OnConnected() {
	cm.mu.Lock()
	regs := make([]*registration, len(cm.registrations))
	copy(regs, cm.registrations)
	cm.mu.Unlock()

	for _, reg := range regs {
		reg.tracker.Reset()
		if err := cm.startSession(reg); err != nil {
			cm.logger.Error("failed to re-establish binding",
				"queue", reg.binding.Queue,
				"error", err)
			cm.remove(reg.binding.Queue)
			if reg.binding.OnError != nil {
				reg.binding.OnError(err)
			}
		}
	}
}

// OnDisconnected marks all sessions stale. Their dispatch loops exit on
// their own when the delivery channels close.
func (cm *ConsumerManager) OnDisconnected(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, reg := range cm.registrations {
		reg.session = nil
	}
	cm.logger.Warn("consumer sessions lost, awaiting reconnect",
		"bindings", len(cm.registrations),
		"error", err)
}

// OnReconnecting implements StateListener.
func (cm *ConsumerManager) OnReconnecting(attempt int) {
	cm.logger.Debug("waiting for reconnect", "attempt", attempt)
}

// OnClosed terminates all bindings. A non-nil cause is reported to each
// binding's OnError hook.
func (cm *ConsumerManager) OnClosed(cause error) {
	cm.mu.Lock()
	regs := cm.registrations
	cm.registrations = nil
	cm.closed = true
	cm.mu.Unlock()

	for _, reg := range regs {
		if reg.session != nil {
			reg.session.stop()
		}
		if cause != nil && reg.binding.OnError != nil {
			reg.binding.OnError(cause)
		}
	}
}

// startSession opens a channel, declares topology, and starts the
// dispatch loop for one binding.
func (cm *ConsumerManager) startSession(reg *registration) error {
	ch, err := cm.source.Channel()
	if err != nil {
		return &ConsumerError{Queue: reg.binding.Queue, Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	b := reg.binding
	if err := ch.Qos(b.Prefetch, 0, false); err != nil {
		ch.Close()
		return &ConsumerError{Queue: b.Queue, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	if b.Exchange != "" {
		if err := ch.ExchangeDeclare(b.Exchange, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			return &ConsumerError{Queue: b.Queue, Op: "declare exchange", Err: err, Timestamp: time.Now()}
		}
	}
	if _, err := ch.QueueDeclare(b.Queue, b.Durable, b.AutoDelete, false, false, b.Args); err != nil {
		ch.Close()
		return &ConsumerError{Queue: b.Queue, Op: "declare queue", Err: err, Timestamp: time.Now()}
	}
	if b.Exchange != "" {
		for _, key := range b.RoutingKeys {
			if err := ch.QueueBind(b.Queue, key, b.Exchange, false, nil); err != nil {
				ch.Close()
				return &ConsumerError{Queue: b.Queue, Op: "bind queue", Err: err, Timestamp: time.Now()}
			}
		}
	}

	tag := fmt.Sprintf("relay-%s-%s", b.Queue, uuid.New().String()[:8])
	deliveries, err := ch.Consume(b.Queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return &ConsumerError{Queue: b.Queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &consumerSession{
		queue:      b.Queue,
		tag:        tag,
		ch:         ch,
		deliveries: deliveries,
		tracker:    reg.tracker,
		handler:    b.Handler,
		// A halted binding must not be replayed on the next reconnect.
		onError: func(err error) {
			cm.remove(b.Queue)
			if b.OnError != nil {
				b.OnError(err)
			}
		},
		exec:       cm.exec,
		logger:     cm.logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	cm.mu.Lock()
	reg.session = session
	cm.mu.Unlock()

	go session.run()

	cm.logger.Info("consumer session started",
		"queue", b.Queue,
		"consumerTag", tag,
		"prefetch", b.Prefetch)
	return nil
}

func (cm *ConsumerManager) remove(queue string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i, reg := range cm.registrations {
		if reg.binding.Queue == queue {
			cm.registrations = append(cm.registrations[:i], cm.registrations[i+1:]...)
			return
		}
	}
}

// consumerSession is the dispatch loop for one live subscription. One
// session exists per binding per connection; reconnects replace it.
type consumerSession struct {
	queue      string
	tag        string
	ch         Channel
	deliveries <-chan amqp.Delivery
	tracker    *DeliveryTracker
	handler    DeliveryHandler
	onError    func(error)
	exec       Executor
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
}

// run pulls deliveries and hands them to the executor. It exits when the
// session is cancelled or the delivery channel closes with the
// connection.
func (s *consumerSession) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return

		case delivery, ok := <-s.deliveries:
			if !ok {
				s.logger.Debug("delivery channel closed", "queue", s.queue)
				return
			}

			if err := s.tracker.Acquire(s.ctx); err != nil {
				// Session cancelled while waiting for a slot; hand the
				// delivery back to the broker.
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					s.logger.Debug("nack on shutdown failed", "queue", s.queue, "error", nackErr)
				}
				return
			}
			if err := s.tracker.Track(delivery.DeliveryTag); err != nil {
				s.tracker.Release()
				s.logger.Error("delivery tag tracked twice, requeueing",
					"queue", s.queue,
					"deliveryTag", delivery.DeliveryTag,
					"error", err)
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					s.logger.Debug("nack failed", "queue", s.queue, "error", nackErr)
				}
				continue
			}

			d := delivery
			if err := s.exec.Submit(func() { s.process(d) }); err != nil {
				s.logger.Warn("executor rejected task, running inline",
					"queue", s.queue,
					"error", err)
				s.process(d)
			}
		}
	}
}

// process invokes the handler for one delivery and converts its decision
// into the matching protocol action.
func (s *consumerSession) process(delivery amqp.Delivery) {
	decision := s.invoke(delivery)

	if err := s.tracker.Resolve(delivery.DeliveryTag); err != nil {
		// The ledger was reset by a reconnect while this handler ran; the
		// broker owns the redelivery now, so no protocol action is taken.
		s.logger.Warn("acknowledgment for stale delivery discarded",
			"queue", s.queue,
			"deliveryTag", delivery.DeliveryTag,
			"error", err)
		return
	}

	var err error
	switch decision {
	case Ack:
		err = delivery.Ack(false)
	case Nack:
		err = delivery.Nack(false, false)
	case NackRequeue:
		err = delivery.Nack(false, true)
	case Drop:
		// Deliberately no protocol action.
	case Halt:
		err = delivery.Nack(false, true)
		s.logger.Warn("handler requested halt, stopping subscription", "queue", s.queue)
		// stop waits for the dispatch loop, which may be the goroutine
		// running this handler; unblock it first.
		s.cancel()
		go s.stop()
		if s.onError != nil {
			s.onError(ErrConsumerHalted)
		}
	}
	if err != nil {
		s.logger.Error("acknowledgment action failed",
			"queue", s.queue,
			"deliveryTag", delivery.DeliveryTag,
			"decision", decision.String(),
			"error", err)
	}
}

// invoke runs the handler with panic recovery. A panicking handler must
// not take down the dispatch loop; its message is requeued.
func (s *consumerSession) invoke(delivery amqp.Delivery) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked, requeueing delivery",
				"queue", s.queue,
				"deliveryTag", delivery.DeliveryTag,
				"panic", r)
			decision = NackRequeue
		}
	}()
	return s.handler(s.ctx, delivery)
}

// stop cancels the consumer and waits for the dispatch loop to exit.
// Handler invocations already submitted to the executor complete on
// their own.
func (s *consumerSession) stop() {
	s.stopOnce.Do(func() {
		if err := s.ch.Cancel(s.tag, false); err != nil {
			s.logger.Debug("consumer cancel failed", "queue", s.queue, "error", err)
		}
		s.cancel()
		<-s.done
		s.ch.Close()
	})
}
