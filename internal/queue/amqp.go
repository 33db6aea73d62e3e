package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpPollInterval は AMQP キューが空のときに basic.get を再試行する間隔です。
const amqpPollInterval = 500 * time.Millisecond

// defaultRetryDelay は RetryDelay 未指定時の再配信までの待ち時間です。
const defaultRetryDelay = 30 * time.Second

// AMQPConfig は RabbitMQ キューへの接続設定です。
type AMQPConfig struct {
	URL        string
	Queue      string
	RetryDelay time.Duration // Release したメッセージが元のキューに戻るまでの時間
}

// amqpChannel は AMQP が使用する *amqp.Channel のメソッドです。
type amqpChannel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// AMQP は RabbitMQ のキューを basic.get で取得します。
// 受信ハンドルは配信タグで、Delete は ack です。
// Release はメッセージを <queue>.retry に移して ack します。retry キューはメッセージの期限切れ後に
// dead letter として元のキューへ戻すため、失敗したジョブは RetryDelay 経過後に再配信されます。
// 接続が切れた場合は次回の Receive で再接続します。
type AMQP struct {
	cfg AMQPConfig

	mu   sync.Mutex
	conn *amqp.Connection
	ch   amqpChannel
	held map[uint64]amqp.Delivery
}

// NewAMQP は接続してキューを宣言します。
func NewAMQP(cfg AMQPConfig) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("amqp queue name is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	q := &AMQP{cfg: cfg, held: make(map[uint64]amqp.Delivery)}
	if _, err := q.channel(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *AMQP) retryQueue() string {
	return q.cfg.Queue + ".retry"
}

// channel は利用可能なチャネルを返します。閉じている場合は再接続します。
// 新しいチャネルでは以前の配信タグが無効になるため、保持中の配信も破棄します。
func (q *AMQP) channel() (amqpChannel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}
	if q.conn == nil || q.conn.IsClosed() {
		conn, err := amqp.Dial(q.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		q.conn = conn
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		q.cfg.Queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", q.cfg.Queue, err)
	}
	if _, err := ch.QueueDeclare(
		q.retryQueue(),
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.cfg.Queue,
		},
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", q.retryQueue(), err)
	}
	q.ch = ch
	q.held = make(map[uint64]amqp.Delivery)
	return ch, nil
}

func (q *AMQP) hold(d amqp.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.held[d.DeliveryTag] = d
}

func (q *AMQP) take(tag uint64) (amqp.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.held[tag]
	delete(q.held, tag)
	return d, ok
}

// Receive は最大 limit 件を取得します。キューが空の場合は wait の間だけ再試行します。
func (q *AMQP) Receive(ctx context.Context, limit int, wait time.Duration) ([]Message, error) {
	ch, err := q.channel()
	if err != nil {
		return nil, err
	}
	limit = max(limit, 1)
	deadline := time.Now().Add(wait)

	messages := make([]Message, 0, limit)
	for {
		for len(messages) < limit {
			delivery, ok, err := ch.Get(q.cfg.Queue, false)
			if err != nil {
				q.releaseAll(ch, messages)
				return nil, fmt.Errorf("amqp get: %w", err)
			}
			if !ok {
				break
			}
			q.hold(delivery)
			messages = append(messages, Message{
				ID:      deliveryID(delivery),
				Body:    delivery.Body,
				Receipt: strconv.FormatUint(delivery.DeliveryTag, 10),
			})
		}
		if len(messages) > 0 || !time.Now().Before(deadline) {
			return messages, nil
		}

		timer := time.NewTimer(amqpPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return messages, nil
		case <-timer.C:
		}
	}
}

// Delete はメッセージを ack します。
func (q *AMQP) Delete(_ context.Context, receipt string) error {
	tag, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	ch, err := q.channel()
	if err != nil {
		return err
	}
	q.take(tag)
	return ch.Ack(tag, false)
}

// Release はメッセージを retry キューへ移し、元の配信を ack します。
// 移し終える前に失敗した場合は元の配信が残るため、メッセージは失われません。
func (q *AMQP) Release(ctx context.Context, receipt string) error {
	tag, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	ch, err := q.channel()
	if err != nil {
		return err
	}
	delivery, ok := q.take(tag)
	if !ok {
		// チャネルが作り直されたため、ブローカーが既にキューへ戻している
		return nil
	}
	err = ch.PublishWithContext(ctx, "", q.retryQueue(), false, false, amqp.Publishing{
		Headers:      delivery.Headers,
		ContentType:  delivery.ContentType,
		MessageId:    delivery.MessageId,
		DeliveryMode: amqp.Persistent,
		Expiration:   strconv.FormatInt(q.cfg.RetryDelay.Milliseconds(), 10),
		Body:         delivery.Body,
	})
	if err != nil {
		q.hold(delivery)
		return fmt.Errorf("amqp publish %s: %w", q.retryQueue(), err)
	}
	return ch.Ack(tag, false)
}

// Close はチャネルと接続を閉じます。
func (q *AMQP) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	if q.ch != nil {
		errs = append(errs, q.ch.Close())
	}
	if q.conn != nil && !q.conn.IsClosed() {
		errs = append(errs, q.conn.Close())
	}
	return errors.Join(errs...)
}

// releaseAll は受信途中で取得済みの配信を即座にキューへ戻します。
func (q *AMQP) releaseAll(ch amqpChannel, messages []Message) {
	for _, m := range messages {
		if tag, err := parseReceipt(m.Receipt); err == nil {
			q.take(tag)
			_ = ch.Nack(tag, false, true)
		}
	}
}

func parseReceipt(receipt string) (uint64, error) {
	tag, err := strconv.ParseUint(receipt, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amqp receipt %q: %w", receipt, err)
	}
	return tag, nil
}

func deliveryID(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	return "tag-" + strconv.FormatUint(d.DeliveryTag, 10)
}
