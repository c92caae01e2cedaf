// Package metrics exposes Prometheus collectors for the controllers and
// their transports. Collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "farm"

	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "ticks_total",
			Help:      "Total number of scheduler ticks",
		},
		[]string{"controller"},
	)

	actuatorOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "actuator_open",
			Help:      "Actuator state (0=closed, 1=open)",
		},
		[]string{"controller"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "transitions_total",
			Help:      "Total number of actuator state changes",
		},
		[]string{"controller", "state"},
	)

	actuatorErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "actuator_errors_total",
			Help:      "Total number of failed actuator writes",
		},
		[]string{"controller"},
	)

	faultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "faults_total",
			Help:      "Total number of faults raised by controllers",
		},
		[]string{"controller"},
	)

	moisturePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "irrigation",
			Name:      "moisture_percent",
			Help:      "Filtered soil moisture",
		},
		[]string{"plot"},
	)

	soilGain = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "irrigation",
			Name:      "gain_percent_per_liter",
			Help:      "Learned moisture gain per liter",
		},
		[]string{"plot"},
	)

	volumeLiters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "irrigation",
			Name:      "volume_liters",
			Help:      "Water delivered since the totals were last reset",
		},
		[]string{"plot"},
	)

	mqttPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "published_total",
			Help:      "Total number of MQTT publish attempts by outcome",
		},
		[]string{"kind", "result"},
	)

	mqttBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "buffered_messages",
			Help:      "Messages held while the broker is unreachable",
		},
	)

	mqttConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "connected",
			Help:      "MQTT connection state (0=disconnected, 1=connected)",
		},
	)

	sensorReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "readings_total",
			Help:      "Total number of sensor readings received by outcome",
		},
		[]string{"sensor", "result"},
	)
)

func RecordTick(controller string) {
	ticksTotal.WithLabelValues(controller).Inc()
}

// RecordActuator sets the actuator gauge and, when changed, counts the
// transition.
func RecordActuator(controller string, open, changed bool) {
	value := 0.0
	state := "closed"
	if open {
		value = 1.0
		state = "open"
	}
	actuatorOpen.WithLabelValues(controller).Set(value)
	if changed {
		transitionsTotal.WithLabelValues(controller, state).Inc()
	}
}

func RecordActuatorError(controller string) {
	actuatorErrorsTotal.WithLabelValues(controller).Inc()
}

func RecordFault(controller string) {
	faultsTotal.WithLabelValues(controller).Inc()
}

// RecordIrrigation publishes the observable irrigation state of a plot.
// NaN moisture (no reading yet) is exported as NaN.
func RecordIrrigation(plot string, moisture, gain, volume float64) {
	moisturePercent.WithLabelValues(plot).Set(moisture)
	soilGain.WithLabelValues(plot).Set(gain)
	volumeLiters.WithLabelValues(plot).Set(volume)
}

// RecordPublish counts a publish attempt. kind is "telemetry" or "system";
// result is "sent", "buffered" or "error".
func RecordPublish(kind, result string) {
	mqttPublishedTotal.WithLabelValues(kind, result).Inc()
}

func RecordBuffered(n int) {
	mqttBuffered.Set(float64(n))
}

func RecordMQTTConnected(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	mqttConnected.Set(value)
}

// RecordSensorReading counts a reading. result is "ok" or "invalid".
func RecordSensorReading(sensor, result string) {
	sensorReadingsTotal.WithLabelValues(sensor, result).Inc()
}
