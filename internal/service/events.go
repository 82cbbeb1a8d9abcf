// events.go — публикация событий смены статуса дельты.
//
// События: DELTA_OPEN, DELTA_CLOSE, DELTA_CANCEL. Публикация не блокирует
// и не возвращает ошибок: сбой доставки только логируется и учитывается в метриках.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// StatusEventCode — код события смены статуса дельты.
type StatusEventCode string

const (
	EventDeltaOpen   StatusEventCode = "DELTA_OPEN"
	EventDeltaClose  StatusEventCode = "DELTA_CLOSE"
	EventDeltaCancel StatusEventCode = "DELTA_CANCEL"
)

// Заголовки сообщения Kafka.
const (
	headerDatamart        = "datamart"
	headerStatusEventCode = "statusEventCode"
)

var statusEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dm_status_events_total",
	Help: "Количество опубликованных событий статуса дельты",
}, []string{"code", "result"})

// StatusEvent — событие смены статуса дельты.
type StatusEvent struct {
	EventID    uuid.UUID       `json:"eventId"`
	Code       StatusEventCode `json:"statusEventCode"`
	Datamart   string          `json:"datamart"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    any             `json:"payload,omitempty"`
}

// StatusEventPublisher публикует событие без ожидания доставки.
type StatusEventPublisher interface {
	PublishStatus(ctx context.Context, code StatusEventCode, datamart string, payload any)
}

func newStatusEvent(code StatusEventCode, datamart string, payload any) StatusEvent {
	return StatusEvent{
		EventID:    uuid.New(),
		Code:       code,
		Datamart:   datamart,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// --- Логирующий издатель ---

// LogEventPublisher пишет события в лог.
type LogEventPublisher struct {
	logger *slog.Logger
}

// NewLogEventPublisher создаёт издатель событий в лог.
func NewLogEventPublisher(logger *slog.Logger) *LogEventPublisher {
	return &LogEventPublisher{logger: logger.With(slog.String("component", "status_events"))}
}

func (p *LogEventPublisher) PublishStatus(ctx context.Context, code StatusEventCode, datamart string, payload any) {
	ev := newStatusEvent(code, datamart, payload)
	p.logger.InfoContext(ctx, "Событие статуса дельты",
		slog.String("event_id", ev.EventID.String()),
		slog.String("code", string(code)),
		slog.String("datamart", datamart),
		slog.Any("payload", payload),
	)
	statusEventsTotal.WithLabelValues(string(code), "ok").Inc()
}

// --- Пустой издатель ---

// NoopEventPublisher отбрасывает события.
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishStatus(context.Context, StatusEventCode, string, any) {}

// --- Kafka ---

// KafkaEventPublisher отправляет события в топик Kafka.
// Ключ сообщения — витрина, поэтому события одной витрины попадают
// в одну партицию и сохраняют порядок.
type KafkaEventPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaEventPublisher создаёт асинхронного издателя Kafka.
func NewKafkaEventPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaEventPublisher {
	p := &KafkaEventPublisher{
		logger: logger.With(slog.String("component", "status_events"), slog.String("topic", topic)),
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion:   p.completion,
	}
	return p
}

func (p *KafkaEventPublisher) PublishStatus(ctx context.Context, code StatusEventCode, datamart string, payload any) {
	msg, err := buildKafkaMessage(newStatusEvent(code, datamart, payload))
	if err != nil {
		p.logger.Error("Ошибка сериализации события статуса",
			slog.String("code", string(code)),
			slog.String("datamart", datamart),
			slog.String("error", err.Error()),
		)
		statusEventsTotal.WithLabelValues(string(code), "error").Inc()
		return
	}

	// В асинхронном режиме WriteMessages только ставит сообщение в очередь.
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Ошибка постановки события статуса в очередь",
			slog.String("code", string(code)),
			slog.String("datamart", datamart),
			slog.String("error", err.Error()),
		)
		statusEventsTotal.WithLabelValues(string(code), "error").Inc()
	}
}

// Close отправляет накопленные сообщения и закрывает writer.
func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}

func (p *KafkaEventPublisher) completion(messages []kafka.Message, err error) {
	for _, m := range messages {
		code := headerValue(m, headerStatusEventCode)
		if err != nil {
			p.logger.Error("Событие статуса не доставлено",
				slog.String("code", code),
				slog.String("datamart", string(m.Key)),
				slog.String("error", err.Error()),
			)
			statusEventsTotal.WithLabelValues(code, "error").Inc()
			continue
		}
		statusEventsTotal.WithLabelValues(code, "ok").Inc()
	}
}

func buildKafkaMessage(ev StatusEvent) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.Datamart),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerDatamart, Value: []byte(ev.Datamart)},
			{Key: headerStatusEventCode, Value: []byte(ev.Code)},
		},
		Time: ev.OccurredAt,
	}, nil
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
