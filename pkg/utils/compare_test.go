package utils

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestStreamConfigEqual(t *testing.T) {
	base := nats.StreamConfig{
		Name:      "stage_changes",
		Retention: nats.LimitsPolicy,
		MaxMsgs:   100000,
		MaxAge:    30 * 24 * time.Hour,
		Storage:   nats.FileStorage,
		Subjects:  []string{"v1.stages.recorded.>"},
	}

	tests := []struct {
		name     string
		mutate   func(cfg *nats.StreamConfig)
		expected bool
	}{
		{
			name:     "identical configs",
			mutate:   func(cfg *nats.StreamConfig) {},
			expected: true,
		},
		{
			name:     "different name",
			mutate:   func(cfg *nats.StreamConfig) { cfg.Name = "other_stream" },
			expected: false,
		},
		{
			name:     "different retention",
			mutate:   func(cfg *nats.StreamConfig) { cfg.Retention = nats.InterestPolicy },
			expected: false,
		},
		{
			name:     "different max msgs",
			mutate:   func(cfg *nats.StreamConfig) { cfg.MaxMsgs = 5000 },
			expected: false,
		},
		{
			name:     "different max age",
			mutate:   func(cfg *nats.StreamConfig) { cfg.MaxAge = time.Hour },
			expected: false,
		},
		{
			name:     "different storage",
			mutate:   func(cfg *nats.StreamConfig) { cfg.Storage = nats.MemoryStorage },
			expected: false,
		},
		{
			name:     "different subjects",
			mutate:   func(cfg *nats.StreamConfig) { cfg.Subjects = []string{"v1.stages.recorded.>", "v1.stages.other"} },
			expected: false,
		},
		{
			name:     "description not compared",
			mutate:   func(cfg *nats.StreamConfig) { cfg.Description = "something else" },
			expected: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			other := base
			other.Subjects = append([]string(nil), base.Subjects...)
			tc.mutate(&other)
			assert.Equal(t, tc.expected, StreamConfigEqual(base, other))
		})
	}
}
