// Package tsdb persists sensor readings to RedisTimeSeries via pipelined
// TS.ADD commands, grounded on
// cbackend/src/ui-wrapper/remote_ws.c:parse_sensor_data's
// redisAppendCommand/redisGetReply pipelining loop, reimplemented with
// go-redis's Pipeliner instead of hiredis's raw append/get-reply pair.
package tsdb

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// BatchSize is the number of TS.ADD commands accumulated before a
// pipeline is flushed, matching the original's PIPELINE_BATCH_SIZE.
const BatchSize = 100

// Reading is the minimal shape tsdb needs to persist one data point; it
// deliberately doesn't import the telemetry package so either side can
// evolve independently of the other's warning/transform concerns.
type Reading struct {
	Name      string
	Value     float64
	Timestamp uint64
}

// Sink pipelines TS.ADD commands to a Redis server running the
// RedisTimeSeries module. Errors are logged, never returned to the
// caller: spec.md §7 requires persistence failures to never interrupt
// the broadcast path.
type Sink struct {
	client redis.Cmdable
	log    zerolog.Logger
}

// NewSink wraps an existing Redis client. Accepting the redis.Cmdable
// interface (rather than a concrete *redis.Client) keeps this package
// testable against a fake pipeliner without a running Redis server.
func NewSink(client redis.Cmdable, log zerolog.Logger) *Sink {
	return &Sink{client: client, log: log}
}

// WriteBatch pipelines one TS.ADD per reading in as many round trips as
// BatchSize requires, logging (never returning) the first error from
// each round trip.
func (s *Sink) WriteBatch(ctx context.Context, readings []Reading) {
	for start := 0; start < len(readings); start += BatchSize {
		end := start + BatchSize
		if end > len(readings) {
			end = len(readings)
		}
		s.writeChunk(ctx, readings[start:end])
	}
}

func (s *Sink) writeChunk(ctx context.Context, chunk []Reading) {
	pipe := s.client.Pipeline()
	for _, r := range chunk {
		pipe.Do(ctx, "TS.ADD", r.Name, r.Timestamp, r.Value)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Int("count", len(chunk)).Msg("redis TS.ADD pipeline error")
	}
}
