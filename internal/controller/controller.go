// Package controller owns the peripherals of the farm: each controller runs a
// scheduler graph on its own goroutine, drives one actuator from the result
// and reports what it did over MQTT, the status tracker and the store.
package controller

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/farm-controller/internal/mqtt"
	"github.com/sweeney/farm-controller/internal/scheduling"
	"github.com/sweeney/farm-controller/internal/status"
	"github.com/sweeney/farm-controller/internal/store"
)

var (
	// ErrUnknownController is returned for names that are not configured.
	ErrUnknownController = errors.New("unknown controller")
	// ErrQueueFull is returned when a controller has too many pending updates.
	ErrQueueFull = errors.New("controller update queue full")
)

const (
	DefaultMinWait = 100 * time.Millisecond
	DefaultMaxWait = time.Minute

	// actuatorRetry bounds the wait after a failed actuator write.
	actuatorRetry = 5 * time.Second
	updateQueue   = 16
)

// Actuator drives one binary output. gpio.Output satisfies it.
type Actuator interface {
	Set(on bool) error
}

// Publisher is the MQTT side used by controllers.
type Publisher interface {
	PublishTelemetry(controller string, payload []byte) error
	PublishSystem(event mqtt.SystemEvent) error
}

// TransitionRecorder persists actuator changes.
type TransitionRecorder interface {
	RecordTransition(t store.Transition) (int64, error)
}

// ModelStore persists learned irrigation models. LoadModel returns
// store.ErrNotFound for plots that have never been saved.
type ModelStore interface {
	SaveModel(plot string, m scheduling.LearnedModel, at time.Time) error
	LoadModel(plot string) (scheduling.LearnedModel, error)
}

// Env holds what every controller shares. Publisher is required; Transitions
// and Tracker may be nil.
type Env struct {
	Publisher   Publisher
	Transitions TransitionRecorder
	Tracker     *status.Tracker
	Logger      zerolog.Logger

	// MinWait and MaxWait clamp the scheduler's next deadline. Zero values
	// use DefaultMinWait and DefaultMaxWait.
	MinWait time.Duration
	MaxWait time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

func (e Env) withDefaults() Env {
	if e.MinWait <= 0 {
		e.MinWait = DefaultMinWait
	}
	if e.MaxWait <= 0 {
		e.MaxWait = DefaultMaxWait
	}
	if e.MaxWait < e.MinWait {
		e.MaxWait = e.MinWait
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return e
}

// faultNotifier turns scheduler notifications into FAULT system events.
func faultNotifier(name string, publisher Publisher, logger zerolog.Logger, onFault func()) scheduling.Notifier {
	return scheduling.NotifierFunc(func(n scheduling.Notification) {
		logger.Error().Str("source", n.Source).Msg(n.Message)
		onFault()

		event := mqtt.NewSystemEvent(mqtt.EventFault, n.Time)
		event.Controller = name
		event.Reason = n.Message
		if err := publisher.PublishSystem(event); err != nil {
			logger.Warn().Err(err).Msg("failed to publish fault event")
		}
	})
}
