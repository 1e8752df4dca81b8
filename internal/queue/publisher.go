// queue публикует события аутентификации (регистрация/вход/выход)
// в topic-exchange RabbitMQ. Издатель — необязательный коллаборатор:
// сервис работает и без него, сбои публикации не прерывают запрос.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher — издатель событий поверх одного соединения и канала.
// Потокобезопасность обеспечивает amqp091: публикация в канал
// сериализуется внутри библиотеки.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// New подключается к брокеру и объявляет durable topic-exchange.
func New(amqpURL, exchange string) (*Publisher, error) {
	const op = "queue.New"

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish сериализует payload в JSON и публикует его с указанным routing key.
// Сообщения помечаются персистентными, чтобы переживать рестарт брокера.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	const op = "queue.Publish"

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := p.ch.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		pub,
	); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() error {
	const op = "queue.Close"

	if err := p.ch.Close(); err != nil {
		_ = p.conn.Close()
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
