// Package emitter fans the pipeline's latest display result out to an MQTT
// topic. It only reads the result slot and never blocks the pipeline.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"lenscribe/internal/pipeline"
)

const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"

	publishTimeout = 2 * time.Second
	connectTimeout = 5 * time.Second
)

var ErrNotConnected = errors.New("mqtt not connected")

// Source is the read side of the pipeline.
type Source interface {
	LatestVersioned() (pipeline.DisplayResult, uint64)
}

// Client is the subset of mqtt.Client the emitter uses.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MetricsObserver interface {
	IncEmitterPublish(status string)
}

// Message is the published payload.
type Message struct {
	Version           uint64    `json:"version" msgpack:"version"`
	RawText           string    `json:"raw_text" msgpack:"raw_text"`
	StableText        string    `json:"stable_text" msgpack:"stable_text"`
	CorrectedText     string    `json:"corrected_text" msgpack:"corrected_text"`
	Confidence        float64   `json:"confidence" msgpack:"confidence"`
	OCRTimeMS         int64     `json:"ocr_time_ms" msgpack:"ocr_time_ms"`
	LLMTimeMS         int64     `json:"llm_time_ms" msgpack:"llm_time_ms"`
	OCROK             bool      `json:"ocr_ok" msgpack:"ocr_ok"`
	LLMOK             bool      `json:"llm_ok" msgpack:"llm_ok"`
	ErrorMsg          string    `json:"error_msg,omitempty" msgpack:"error_msg,omitempty"`
	ErrorKind         string    `json:"error_kind,omitempty" msgpack:"error_kind,omitempty"`
	Status            string    `json:"status" msgpack:"status"`
	CorrectionEnabled bool      `json:"correction_enabled" msgpack:"correction_enabled"`
	Iteration         uint64    `json:"iteration" msgpack:"iteration"`
	UpdatedAt         time.Time `json:"updated_at" msgpack:"updated_at"`
}

func newMessage(d pipeline.DisplayResult, version uint64) Message {
	return Message{
		Version:           version,
		RawText:           d.RawText,
		StableText:        d.StableText,
		CorrectedText:     d.CorrectedText,
		Confidence:        d.Confidence,
		OCRTimeMS:         d.OCRTimeMS,
		LLMTimeMS:         d.LLMTimeMS,
		OCROK:             d.OCROK,
		LLMOK:             d.LLMOK,
		ErrorMsg:          d.ErrorMsg,
		ErrorKind:         string(d.ErrorKind),
		Status:            d.Status,
		CorrectionEnabled: d.CorrectionEnabled,
		Iteration:         d.Iteration,
		UpdatedAt:         d.UpdatedAt,
	}
}

type EncodeFunc func(Message) ([]byte, error)

func EncoderFor(name string) (EncodeFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingJSON:
		return func(m Message) ([]byte, error) { return json.Marshal(m) }, nil
	case EncodingMsgpack:
		return func(m Message) ([]byte, error) { return msgpack.Marshal(m) }, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}

type Options struct {
	Topic    string
	QoS      byte
	Encoding string
	Interval time.Duration
	// Retained lets late subscribers receive the current display at once.
	Retained bool
}

type Stats struct {
	Published   uint64
	Errors      uint64
	LastVersion uint64
}

// Emitter polls the source and publishes each new version exactly once.
type Emitter struct {
	client  Client
	source  Source
	opts    Options
	encode  EncodeFunc
	logger  *slog.Logger
	metrics MetricsObserver

	mu          sync.Mutex
	lastVersion uint64
	published   uint64
	errors      uint64
}

func New(client Client, source Source, opts Options, logger *slog.Logger, metrics MetricsObserver) (*Emitter, error) {
	if client == nil || source == nil {
		return nil, errors.New("emitter: client and source are required")
	}
	if strings.TrimSpace(opts.Topic) == "" {
		return nil, errors.New("emitter: topic is required")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("emitter: invalid qos %d", opts.QoS)
	}
	encode, err := EncoderFor(opts.Encoding)
	if err != nil {
		return nil, fmt.Errorf("emitter: %w", err)
	}
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		client:  client,
		source:  source,
		opts:    opts,
		encode:  encode,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Run polls until ctx is cancelled.
func (e *Emitter) Run(ctx context.Context) error {
	e.logger.Info("mqtt emitter started",
		"topic", e.opts.Topic,
		"qos", e.opts.QoS,
		"interval", e.opts.Interval.String(),
	)
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("mqtt emitter stopped", "published", e.Stats().Published)
			return nil
		case <-ticker.C:
			if err := e.Poll(); err != nil {
				e.logger.Warn("mqtt publish failed", "topic", e.opts.Topic, "error", err)
			}
		}
	}
}

// Poll publishes the latest result if its version has not been published
// yet. A failed publish is retried on the next poll.
func (e *Emitter) Poll() error {
	result, version := e.source.LatestVersioned()

	e.mu.Lock()
	last := e.lastVersion
	e.mu.Unlock()
	if version == 0 || version == last {
		return nil
	}

	if !e.client.IsConnected() {
		e.recordError("disconnected")
		return ErrNotConnected
	}

	payload, err := e.encode(newMessage(result, version))
	if err != nil {
		e.recordError("encode_error")
		return fmt.Errorf("encoding display result: %w", err)
	}

	token := e.client.Publish(e.opts.Topic, e.opts.QoS, e.opts.Retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.recordError("timeout")
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.recordError("error")
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.lastVersion = version
	e.published++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.IncEmitterPublish("ok")
	}

	e.logger.Debug("display result published",
		"topic", e.opts.Topic,
		"version", version,
		"status", result.Status,
		"size", len(payload),
	)
	return nil
}

func (e *Emitter) recordError(status string) {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.IncEmitterPublish(status)
	}
}

func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Published:   e.published,
		Errors:      e.errors,
		LastVersion: e.lastVersion,
	}
}

// Dial connects to broker with automatic reconnection enabled.
func Dial(ctx context.Context, broker, clientID string, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	logger.Info("connecting to mqtt broker", "broker", broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}
