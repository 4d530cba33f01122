// Package kafka provides the external FIFO transport on Kafka/Redpanda.
//
// Per-account ordering comes from single-partition task topics named
// "<prefix>.<account>". Results share one topic keyed by correlation id, so a
// job's results stay in order while cross-job ordering is unspecified.
// Message-level duplicate suppression ultimately rests on the store's
// begin-task guard; the transport only promises at-least-once delivery.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// TaskTopic names the per-account task topic.
func TaskTopic(prefix, accountID string) string { return prefix + "." + accountID }

func produce(ctx context.Context, client *kgo.Client, rec *kgo.Record) error {
	op := func() error {
		res := client.ProduceSync(ctx, rec)
		return res.FirstErr()
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("kafka produce topic=%s: %w", rec.Topic, err)
	}
	return nil
}

// TaskQueue is the Kafka-backed task transport for one account.
type TaskQueue struct {
	client    *kgo.Client
	topic     string
	accountID string
	buffered  []*kgo.Record
}

// NewTaskQueue builds a producer+consumer client bound to the account topic.
// The consumer group is per account so each worker owns its partition.
func NewTaskQueue(brokers []string, prefix, accountID string) (*TaskQueue, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	topic := TaskTopic(prefix, accountID)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup("scrape-worker-"+accountID),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &TaskQueue{client: client, topic: topic, accountID: accountID}, nil
}

// Send publishes a task envelope keyed by account for partition ordering.
func (q *TaskQueue) Send(ctx domain.Context, env domain.TaskEnvelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal task envelope: %w", err)
	}
	return produce(ctx, q.client, &kgo.Record{Topic: q.topic, Key: []byte(env.AccountID), Value: b})
}

// Receive polls the account topic. Ack commits the offset; nack leaves the
// offset uncommitted so the record is redelivered after a restart or
// rebalance (the Kafka analogue of a visibility timeout). Corrupt payloads
// are committed and dropped to break poison-pill cycles.
func (q *TaskQueue) Receive(ctx domain.Context, timeout time.Duration) (domain.TaskEnvelope, domain.AckFunc, domain.NackFunc, bool, error) {
	for {
		rec, ok, err := q.nextRecord(ctx, timeout)
		if err != nil || !ok {
			return domain.TaskEnvelope{}, nil, nil, false, err
		}
		var env domain.TaskEnvelope
		if err := json.Unmarshal(rec.Value, &env); err != nil {
			slog.Warn("dropping corrupt task payload",
				slog.String("topic", q.topic),
				slog.Int64("offset", rec.Offset),
				slog.Any("error", err))
			q.commit(ctx, rec)
			continue
		}
		ack := func() { q.commit(ctx, rec) }
		nack := func() {}
		return env, ack, nack, true, nil
	}
}

func (q *TaskQueue) nextRecord(ctx domain.Context, timeout time.Duration) (*kgo.Record, bool, error) {
	if len(q.buffered) > 0 {
		rec := q.buffered[0]
		q.buffered = q.buffered[1:]
		return rec, true, nil
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fetches := q.client.PollFetches(pollCtx)
	if err := fetches.Err0(); err != nil && ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	q.buffered = fetches.Records()
	if len(q.buffered) == 0 {
		return nil, false, nil
	}
	rec := q.buffered[0]
	q.buffered = q.buffered[1:]
	return rec, true, nil
}

func (q *TaskQueue) commit(ctx domain.Context, rec *kgo.Record) {
	if err := q.client.CommitRecords(ctx, rec); err != nil {
		slog.Error("task offset commit failed", slog.String("topic", q.topic), slog.Any("error", err))
	}
}

// Close releases the underlying client.
func (q *TaskQueue) Close() { q.client.Close() }

// ResultQueue is the Kafka-backed result transport shared by all accounts.
type ResultQueue struct {
	client   *kgo.Client
	topic    string
	consume  bool
	buffered []*kgo.Record
}

// NewResultProducer builds a send-only result queue for workers.
func NewResultProducer(brokers []string, topic string) (*ResultQueue, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &ResultQueue{client: client, topic: topic}, nil
}

// NewResultConsumer builds a drain-side result queue for the dispatcher.
func NewResultConsumer(brokers []string, topic, group string) (*ResultQueue, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &ResultQueue{client: client, topic: topic, consume: true}, nil
}

// Send publishes a result keyed by correlation id for per-job ordering.
func (q *ResultQueue) Send(ctx domain.Context, res domain.ResultEnvelope) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result envelope: %w", err)
	}
	return produce(ctx, q.client, &kgo.Record{Topic: q.topic, Key: []byte(res.CorrelationID), Value: b})
}

// TryGetNowait drains one result without blocking beyond a short poll.
func (q *ResultQueue) TryGetNowait(ctx domain.Context) (domain.ResultEnvelope, bool, error) {
	if !q.consume {
		return domain.ResultEnvelope{}, false, fmt.Errorf("result queue is producer-only")
	}
	for {
		if len(q.buffered) == 0 {
			pollCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			fetches := q.client.PollFetches(pollCtx)
			cancel()
			q.buffered = fetches.Records()
			if len(q.buffered) == 0 {
				return domain.ResultEnvelope{}, false, nil
			}
		}
		rec := q.buffered[0]
		q.buffered = q.buffered[1:]
		var res domain.ResultEnvelope
		if err := json.Unmarshal(rec.Value, &res); err != nil {
			slog.Warn("dropping corrupt result payload",
				slog.String("topic", q.topic),
				slog.Int64("offset", rec.Offset),
				slog.Any("error", err))
			continue
		}
		return res, true, nil
	}
}

// Close releases the underlying client.
func (q *ResultQueue) Close() { q.client.Close() }
