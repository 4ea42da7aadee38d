package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cjgratacos/dynamopool/pkg/endpoint"
)

func TestParsePropertiesRoutesPoolKeysAndForwardsRest(t *testing.T) {
	props := map[string]string{
		"pool.minSize":      "2",
		"pool.maxSize":      "20",
		"pool.testOnBorrow": "true",
		"pool.lifo":         "false",
		"pool.maxWaitTime":  "PT1M30S",
		"region":            "us-east-1",
		"table_name_prefix": "orders_",
	}

	cfg := ParseProperties(props, endpoint.Config{})

	assert.Equal(t, 2, cfg.MinSize)
	assert.Equal(t, 20, cfg.MaxSize)
	assert.True(t, cfg.TestOnBorrow)
	assert.Equal(t, endpoint.FIFO, cfg.Ordering)
	assert.Equal(t, 90*time.Second, cfg.MaxWait)

	assert.Equal(t, "us-east-1", cfg.ConnectionProperties["region"])
	assert.Equal(t, "orders_", cfg.ConnectionProperties["table_name_prefix"])
	_, isPoolKey := cfg.ConnectionProperties["pool.minSize"]
	assert.False(t, isPoolKey)
}

func TestParsePropertiesIgnoresUnparseableValueAndKeepsDefault(t *testing.T) {
	base := endpoint.Config{MaxSize: 10}
	cfg := ParseProperties(map[string]string{"pool.maxSize": "not-a-number"}, base)
	assert.Equal(t, 10, cfg.MaxSize)
}

// TestParseDuration is scenario S9: bare integers are seconds, ISO-8601
// durations parse to their component sum, and anything unparseable reports
// ok=false rather than a zero duration pretending to succeed.
func TestParseDuration(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    time.Duration
		wantOK  bool
	}{
		{"bare seconds", "30", 30 * time.Second, true},
		{"iso8601 minutes and seconds", "PT1M30S", 90 * time.Second, true},
		{"iso8601 hours", "PT2H", 2 * time.Hour, true},
		{"iso8601 days", "P1D", 24 * time.Hour, true},
		{"iso8601 zero duration", "PT0S", 0, true},
		{"empty string", "", 0, false},
		{"garbage", "not-a-duration", 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseDuration(tc.raw)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestApplyEndpointDefaultsFillsZeroValuesOnly(t *testing.T) {
	e := endpoint.Config{MaxSize: 50}
	applyEndpointDefaults(&e)

	assert.Equal(t, 50, e.MaxSize) // explicit value preserved
	assert.NotZero(t, e.MinSize)
	assert.Equal(t, e.MinSize, e.InitialSize) // InitialSize defaults to MinSize
	assert.NotZero(t, e.ConnectTimeout)
	assert.NotZero(t, e.MaxWait)

	// An endpoints.yaml entry that omits these keys entirely must still
	// get the spec-documented true/true/true defaults, not Go's bool zero
	// value of false.
	assert.True(t, e.TestOnBorrow)
	assert.True(t, e.TestWhileIdle)
	assert.True(t, e.BlockWhenExhausted)
	assert.Equal(t, endpoint.LIFO, e.Ordering) // default ordering, OrderingMode omitted
}

func TestApplyEndpointDefaultsHonorsExplicitOrderingMode(t *testing.T) {
	e := endpoint.Config{MaxSize: 50, OrderingMode: "fifo"}
	applyEndpointDefaults(&e)

	assert.Equal(t, endpoint.FIFO, e.Ordering)
}

func TestApplyDriverDefaultsFillsZeroValuesOnly(t *testing.T) {
	d := DriverConfig{MetricsPort: 9999}
	applyDriverDefaults(&d)

	assert.Equal(t, 9999, d.MetricsPort)
	assert.Equal(t, 8080, d.HealthCheckPort)
	assert.Equal(t, 30*time.Second, d.BorrowTimeout)
	assert.Equal(t, "redis:6379", d.Redis.Addr)
	assert.Equal(t, 20, d.Redis.PoolSize)
	assert.Equal(t, 10*time.Second, d.Redis.WaitTimeout)
	assert.Equal(t, 3, d.Fallback.LocalLimitDivisor)
}
