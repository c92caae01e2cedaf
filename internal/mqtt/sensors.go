package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/farm-controller/internal/metrics"
	"github.com/sweeney/farm-controller/internal/scheduling"
)

// Reading is the latest value of one remote sensor. It reads NaN until the
// first message arrives and again once the value is older than the feed's
// staleness limit. Safe for concurrent use.
type Reading struct {
	name       string
	bits       atomic.Uint64
	at         atomic.Int64 // unix nanoseconds, 0 = never
	staleAfter time.Duration
	now        func() time.Time
}

var (
	_ scheduling.MoistureSensor    = (*Reading)(nil)
	_ scheduling.LightSensor       = (*Reading)(nil)
	_ scheduling.TemperatureSensor = (*Reading)(nil)
)

func (r *Reading) Name() string { return r.name }

// Value returns the latest reading, or NaN.
func (r *Reading) Value() float64 {
	at := r.at.Load()
	if at == 0 {
		return math.NaN()
	}
	if r.staleAfter > 0 && r.now().Sub(time.Unix(0, at)) > r.staleAfter {
		return math.NaN()
	}
	return math.Float64frombits(r.bits.Load())
}

// UpdatedAt returns when the last value arrived (zero if never).
func (r *Reading) UpdatedAt() time.Time {
	at := r.at.Load()
	if at == 0 {
		return time.Time{}
	}
	return time.Unix(0, at)
}

func (r *Reading) set(v float64, at time.Time) {
	r.bits.Store(math.Float64bits(v))
	r.at.Store(at.UnixNano())
}

func (r *Reading) Moisture() scheduling.Percent { return r.Value() }
func (r *Reading) LightLevel() scheduling.Lux   { return r.Value() }
func (r *Reading) Temperature() float64         { return r.Value() }

// SensorFeed routes sensor messages published under a topic prefix to the
// Readings the controllers hold.
type SensorFeed struct {
	prefix     string
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu      sync.RWMutex
	sensors map[string]*Reading
}

// NewSensorFeed creates a feed for topics "<prefix>/<sensor>". staleAfter of
// zero keeps readings valid forever.
func NewSensorFeed(prefix string, staleAfter time.Duration, logger zerolog.Logger) *SensorFeed {
	return &SensorFeed{
		prefix:     strings.TrimSuffix(prefix, "/"),
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
		sensors:    make(map[string]*Reading),
	}
}

// Sensor returns the Reading for name, registering it on first use.
func (f *SensorFeed) Sensor(name string) *Reading {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.sensors[name]; ok {
		return r
	}
	r := &Reading{name: name, staleAfter: f.staleAfter, now: f.now}
	f.sensors[name] = r
	return r
}

// Filter is the subscription topic filter covering every sensor.
func (f *SensorFeed) Filter() string {
	return f.prefix + "/+"
}

// Handle applies one message. Messages for unregistered sensors and payloads
// that are not a number are dropped.
func (f *SensorFeed) Handle(topic string, payload []byte) {
	name, ok := strings.CutPrefix(topic, f.prefix+"/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return
	}

	f.mu.RLock()
	r, ok := f.sensors[name]
	f.mu.RUnlock()
	if !ok {
		f.logger.Debug().Str("sensor", name).Msg("reading for unknown sensor ignored")
		return
	}

	v, err := parseReading(payload)
	if err != nil {
		metrics.RecordSensorReading(name, "invalid")
		f.logger.Warn().Err(err).Str("sensor", name).Msg("invalid sensor payload")
		return
	}
	metrics.RecordSensorReading(name, "ok")
	r.set(v, f.now())
}

type sensorPayload struct {
	Value *float64 `json:"value"`
}

// parseReading accepts {"value": 12.5} or a bare number.
func parseReading(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "{") {
		var p sensorPayload
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return 0, fmt.Errorf("decode sensor payload: %w", err)
		}
		if p.Value == nil {
			return 0, fmt.Errorf("sensor payload has no value")
		}
		return *p.Value, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sensor value: %w", err)
	}
	return v, nil
}
