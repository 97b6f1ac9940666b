package nats

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 40 * time.Second}, backoff(5))
	assert.Empty(t, backoff(1))
}

func TestStreamConfigs_CoverSubjects(t *testing.T) {
	configs := streamConfigs()
	require.Len(t, configs, 2)

	covers := func(subject string) string {
		for _, sc := range configs {
			for _, pattern := range sc.Subjects {
				if strings.HasPrefix(subject, strings.TrimSuffix(pattern, ">")) {
					return sc.Name
				}
			}
		}
		return ""
	}
	assert.Equal(t, StreamBilling, covers(SubjectWebhookDelivery))
	assert.Equal(t, StreamBilling, covers(SubjectPriceSwap))
	assert.Equal(t, StreamEvents, covers(SubjectAuditEvent))
	assert.Equal(t, 24*time.Hour, configs[0].Duplicates)
}
