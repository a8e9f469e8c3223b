package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const appId = "simcse-runner"

// session is one connection and channel with the run queues declared.
type session struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dial(url string) (*amqp.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxConnectRetry; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("failed to connect to rabbitmq", "attempt", attempt, "max_attempts", MaxConnectRetry, "error", err)
		if attempt < MaxConnectRetry {
			time.Sleep(RetryDelay)
		}
	}
	return nil, fmt.Errorf("unable to reach rabbitmq after %d attempts: %w", MaxConnectRetry, lastErr)
}

// declareRunQueues declares the durable training queue. Runs that are
// rejected or nacked are dead lettered to DeadLetterQueue instead of dropped.
func declareRunQueues(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", DeadLetterQueue, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadLetterQueue,
	}
	if _, err := ch.QueueDeclare(TrainingQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", TrainingQueue, err)
	}
	return nil
}

// openSession connects and declares the run queues. confirm puts the channel
// in publisher confirm mode; prefetch > 0 limits unacknowledged deliveries.
func openSession(url string, confirm bool, prefetch int) (*session, error) {
	conn, err := dial(url)
	if err != nil {
		return nil, err
	}
	s := &session{conn: conn}

	if s.ch, err = conn.Channel(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := declareRunQueues(s.ch); err != nil {
		s.close()
		return nil, err
	}
	if confirm {
		if err := s.ch.Confirm(false); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}
	if prefetch > 0 {
		if err := s.ch.Qos(prefetch, 0, false); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to set channel qos: %w", err)
		}
	}
	return s, nil
}

func (s *session) close() {
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		slog.Error("error closing rabbitmq connection", "error", err)
	}
}

// RabbitMQPublisher publishes run tasks as persistent messages and waits for
// the broker to confirm each one, so a run reported as queued survives a
// broker restart.
type RabbitMQPublisher struct {
	url string

	mu     sync.RWMutex
	sess   *session
	closed bool
	done   chan struct{}
}

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	sess, err := openSession(rabbitMQURL, true, 0)
	if err != nil {
		return nil, err
	}
	slog.Info("rabbitmq publisher ready", "queue", TrainingQueue)

	p := &RabbitMQPublisher{url: rabbitMQURL, sess: sess, done: make(chan struct{})}
	go p.watch(sess)
	return p, nil
}

// watch replaces sess when the broker drops it. Publishes fail with
// ErrQueueClosed until a new session is up.
func (p *RabbitMQPublisher) watch(sess *session) {
	closed := sess.ch.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-p.done:
		return
	case err, ok := <-closed:
		if !ok {
			return
		}
		slog.Warn("rabbitmq publisher channel closed, reconnecting", "error", err)
	}

	p.mu.Lock()
	p.sess = nil
	p.mu.Unlock()

	for {
		select {
		case <-p.done:
			return
		case <-time.After(RetryDelay * 10):
		}

		next, err := openSession(p.url, true, 0)
		if err != nil {
			slog.Error("rabbitmq publisher reconnect failed", "error", err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			next.close()
			return
		}
		p.sess = next
		p.mu.Unlock()

		slog.Info("rabbitmq publisher reconnected")
		go p.watch(next)
		return
	}
}

func (p *RabbitMQPublisher) PublishRunTask(ctx context.Context, payload RunTaskPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode run task %s: %w", payload.RunId, err)
	}

	p.mu.RLock()
	sess := p.sess
	p.mu.RUnlock()
	if sess == nil || sess.ch.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed: %w", ErrQueueClosed)
	}

	confirmation, err := sess.ch.PublishWithDeferredConfirmWithContext(ctx, "", TrainingQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    payload.RunId.String(),
		Type:         runTaskType,
		AppId:        appId,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"profile": payload.Config.Profile},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish run task %s: %w", payload.RunId, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("run task %s was not confirmed: %w", payload.RunId, err)
	}
	if !acked {
		return fmt.Errorf("broker refused run task %s", payload.RunId)
	}

	slog.Debug("published run task", "run_id", payload.RunId, "profile", payload.Config.Profile)
	return nil
}

func (p *RabbitMQPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	if p.sess != nil {
		p.sess.close()
		p.sess = nil
	}
}

type RabbitMQTask struct {
	d amqp.Delivery
}

func (t *RabbitMQTask) Type() string {
	return t.d.RoutingKey
}

func (t *RabbitMQTask) Payload() []byte {
	return t.d.Body
}

func (t *RabbitMQTask) Redelivered() bool {
	return t.d.Redelivered
}

func (t *RabbitMQTask) Ack() error {
	return t.d.Ack(false)
}

// Nack dead letters the run. Failures are recorded on the run, and
// redelivering would train it again from scratch.
func (t *RabbitMQTask) Nack() error {
	return t.d.Nack(false, false)
}

func (t *RabbitMQTask) Reject() error {
	return t.d.Reject(false)
}

// RabbitMQReceiver delivers run tasks one at a time. The task channel is
// closed once the receiver is closed.
type RabbitMQReceiver struct {
	url       string
	tasks     chan Task
	stop      chan struct{}
	closeOnce sync.Once
}

func NewRabbitMQReceiver(rabbitMQURL string) (*RabbitMQReceiver, error) {
	r := &RabbitMQReceiver{
		url:   rabbitMQURL,
		tasks: make(chan Task),
		stop:  make(chan struct{}),
	}

	sess, msgs, closed, err := r.subscribe()
	if err != nil {
		return nil, err
	}
	slog.Info("rabbitmq receiver ready", "queue", TrainingQueue)

	go r.run(sess, msgs, closed)
	return r, nil
}

func (r *RabbitMQReceiver) subscribe() (*session, <-chan amqp.Delivery, chan *amqp.Error, error) {
	// A worker trains one run at a time.
	sess, err := openSession(r.url, false, 1)
	if err != nil {
		return nil, nil, nil, err
	}
	msgs, err := sess.ch.Consume(TrainingQueue, "", false, false, false, false, nil)
	if err != nil {
		sess.close()
		return nil, nil, nil, fmt.Errorf("failed to consume from %s: %w", TrainingQueue, err)
	}
	return sess, msgs, sess.ch.NotifyClose(make(chan *amqp.Error, 1)), nil
}

// resubscribe retries until a new consumer is up or the receiver is closed.
func (r *RabbitMQReceiver) resubscribe() (*session, <-chan amqp.Delivery, chan *amqp.Error) {
	for {
		select {
		case <-r.stop:
			return nil, nil, nil
		case <-time.After(RetryDelay * 10):
		}
		sess, msgs, closed, err := r.subscribe()
		if err != nil {
			slog.Error("rabbitmq receiver reconnect failed", "error", err)
			continue
		}
		slog.Info("rabbitmq receiver reconnected")
		return sess, msgs, closed
	}
}

func (r *RabbitMQReceiver) run(sess *session, msgs <-chan amqp.Delivery, closed chan *amqp.Error) {
	defer close(r.tasks)

	for {
		select {
		case <-r.stop:
			sess.close()
			return

		case d, ok := <-msgs:
			if !ok {
				// The close notification says whether to reconnect.
				msgs = nil
				continue
			}
			if d.Redelivered {
				slog.Warn("run task redelivered", "run_id", d.MessageId)
			}
			select {
			case r.tasks <- &RabbitMQTask{d: d}:
			case <-r.stop:
				sess.close()
				return
			}

		case err, ok := <-closed:
			if !ok {
				return
			}
			slog.Warn("rabbitmq receiver channel closed, reconnecting", "error", err)
			if sess, msgs, closed = r.resubscribe(); sess == nil {
				return
			}
		}
	}
}

func (r *RabbitMQReceiver) Tasks() <-chan Task {
	return r.tasks
}

func (r *RabbitMQReceiver) Close() {
	r.closeOnce.Do(func() { close(r.stop) })
}
