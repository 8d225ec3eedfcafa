package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	sinkChannelBuffer = 10_000
	sinkBatchSize     = 100
	sinkFlushInterval = time.Second

	sinkTable = "trace_events"

	createTableDDL = `
CREATE TABLE IF NOT EXISTS trace_events (
    event_type     LowCardinality(String),
    service        LowCardinality(String),
    timestamp      DateTime64(3, 'UTC'),
    trace_id       String,
    span_id        String,
    parent_span_id String,
    task_id        String,
    workflow_id    String,
    agent_type     LowCardinality(String),
    metadata       String
) ENGINE = MergeTree()
ORDER BY (trace_id, timestamp)
TTL toDateTime(timestamp) + INTERVAL 30 DAY`
)

// ClickHouseSink persists trace events to ClickHouse in background batches.
// Writes go through a buffered channel and never block the publisher; when
// the channel is full, events are dropped and counted.
type ClickHouseSink struct {
	conn driver.Conn
	ch   chan Event
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

// NewClickHouseSink connects to ClickHouse, ensures the events table exists
// and starts the flush loop.
func NewClickHouseSink(ctx context.Context, addr, database string, log *slog.Logger) (*ClickHouseSink, error) {
	if addr == "" {
		return nil, fmt.Errorf("trace: clickhouse address must not be empty")
	}
	if database == "" {
		database = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: database},
		Settings: clickhouse.Settings{
			"async_insert": 1,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("trace: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("trace: clickhouse ping: %w", err)
	}
	if err := conn.Exec(pingCtx, createTableDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("trace: create trace_events table: %w", err)
	}

	s := &ClickHouseSink{
		conn:    conn,
		ch:      make(chan Event, sinkChannelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Write queues an event for insertion. Never blocks.
func (s *ClickHouseSink) Write(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports events discarded because the queue was full.
func (s *ClickHouseSink) Dropped() int64 { return s.dropped.Load() }

// Close drains the queue, flushes the final batch and closes the connection.
func (s *ClickHouseSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.conn.Close()
}

func (s *ClickHouseSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(sinkFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, sinkBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insert(batch); err != nil {
			s.log.Warn("trace event batch insert failed", "error", err, "events", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= sinkBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.done:
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
					if len(batch) >= sinkBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ClickHouseSink) insert(events []Event) error {
	ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+sinkTable)
	if err != nil {
		return err
	}
	for _, ev := range events {
		meta := ""
		if len(ev.Metadata) > 0 {
			if raw, err := json.Marshal(ev.Metadata); err == nil {
				meta = string(raw)
			}
		}
		if err := batch.Append(
			ev.Type,
			ev.Service,
			ev.Timestamp,
			ev.Trace.TraceID,
			ev.Trace.SpanID,
			ev.Trace.ParentSpanID,
			ev.Trace.TaskID,
			ev.Trace.WorkflowID,
			ev.Trace.AgentType,
			meta,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}
