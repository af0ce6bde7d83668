// Package redpanda carries case requests and case outcomes over
// Kafka-compatible topics with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/domain/pacase"
)

const (
	TopicCaseRequests  = "pafill.cases.requested"
	TopicCaseCompleted = pacase.TopicCompleted
	TopicCaseFailed    = pacase.TopicFailed
	TopicDeadLetter    = "pafill.dead-letter"
)

// TopicConfig describes one topic to provision.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topics a deployment needs.
func DefaultTopicConfigs(replication int16) []TopicConfig {
	ptr := func(s string) *string { return &s }
	if replication <= 0 {
		replication = 1
	}

	outcome := map[string]*string{
		"retention.ms":     ptr("604800000"), // 7 days
		"cleanup.policy":   ptr("delete"),
		"compression.type": ptr("lz4"),
	}
	return []TopicConfig{
		{
			Name:              TopicCaseRequests,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":     ptr("86400000"),
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
				// referrals and templates travel inline
				"max.message.bytes": ptr("33554432"),
			},
		},
		{Name: TopicCaseCompleted, Partitions: 6, ReplicationFactor: replication, Configs: outcome},
		{Name: TopicCaseFailed, Partitions: 3, ReplicationFactor: replication, Configs: outcome},
		{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":   ptr("2592000000"), // 30 days
				"cleanup.policy": ptr("delete"),
			},
		},
	}
}

// Admin provisions topics and reports consumer lag.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// CreateTopics creates each topic in configs. Existing topics are left
// as they are, including their configs.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, tc := range configs {
		resp, err := a.client.CreateTopic(ctx, tc.Partitions, tc.ReplicationFactor, tc.Configs, tc.Name)
		if err == nil {
			err = resp.Err
		}
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists):
			a.logger.Debug("topic exists", zap.String("topic", tc.Name))
		case err != nil:
			return fmt.Errorf("create topic %s: %w", tc.Name, err)
		default:
			a.logger.Info("topic created",
				zap.String("topic", tc.Name),
				zap.Int32("partitions", tc.Partitions),
				zap.Int16("replication", tc.ReplicationFactor))
		}
	}
	return nil
}

// EnsureTopics creates DefaultTopicConfigs.
func (a *Admin) EnsureTopics(ctx context.Context, replication int16) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs(replication))
}

// GroupLag returns the total lag per topic for a consumer group.
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("lag of group %s: %w", groupID, err)
	}

	lag := make(map[string]int64)
	described.Each(func(g kadm.DescribedGroupLag) {
		for topic, byPartition := range g.Lag {
			for _, m := range byPartition {
				lag[topic] += m.Lag
			}
		}
	})
	return lag, nil
}

func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers. The API readiness probe uses it when
// asynchronous submission is enabled.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer cl.Close()
	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}
