package main

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/getsentry/sampletree/internal/metrics"
)

type (
	KafkaWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// FunctionsKafkaMessage is the function report published once a session
	// is computed.
	FunctionsKafkaMessage struct {
		Environment   string                    `json:"environment,omitempty"`
		Functions     []metrics.FunctionMetrics `json:"functions"`
		ProfileWeight uint64                    `json:"profile_weight_ns"`
		SampleCount   int                       `json:"sample_count"`
		SessionID     string                    `json:"session_id"`
		Timestamp     int64                     `json:"timestamp"`
		TotalWeight   uint64                    `json:"total_weight_ns"`
	}
)

func newFunctionsWriter(cfg ServiceConfig) KafkaWriter {
	if len(cfg.FunctionsKafkaBrokers) == 0 {
		return nil
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.FunctionsKafkaBrokers...),
		Async:        true,
		Balancer:     kafka.CRC32Balancer{},
		BatchSize:    10,
		Compression:  kafka.Lz4,
		ReadTimeout:  3 * time.Second,
		Topic:        cfg.FunctionsKafkaTopic,
		WriteTimeout: 3 * time.Second,
	}
}

func buildFunctionsKafkaMessage(env string, s *session, functions []metrics.FunctionMetrics) FunctionsKafkaMessage {
	fp := s.result.Functions
	return FunctionsKafkaMessage{
		Environment:   env,
		Functions:     functions,
		ProfileWeight: uint64(fp.ProfileWeight()),
		SampleCount:   fp.SampleCount(),
		SessionID:     s.id,
		Timestamp:     s.created.Unix(),
		TotalWeight:   uint64(fp.TotalWeight()),
	}
}
