package scheduling

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

const (
	kalmanSFloor = 1e-12
	kalmanKCap   = 1e6
	kalmanPFloor = 1e-15
)

// MoistureKalmanFilter estimates the temperature-compensated soil moisture
// and the sensor's temperature sensitivity.
//
// State is [moistReal, beta], observed as moistReal + beta*(temp-tempRef).
// There are no process dynamics: each update only inflates the covariance by
// the process noise and applies a scalar observation correction.
type MoistureKalmanFilter struct {
	x       *mat.VecDense // [moistReal, beta]
	p       *mat.SymDense
	tempRef float64
}

// NewMoistureKalmanFilter starts from the given estimate with unit covariance.
func NewMoistureKalmanFilter(moistReal, beta, tempRef float64) *MoistureKalmanFilter {
	return &MoistureKalmanFilter{
		x:       mat.NewVecDense(2, []float64{moistReal, beta}),
		p:       mat.NewSymDense(2, []float64{1, 0, 0, 1}),
		tempRef: tempRef,
	}
}

// Update folds in one observation and returns the new moisture estimate.
// qMoist can be raised while watering so that real changes are tracked
// quickly, and lowered at rest for stability.
func (f *MoistureKalmanFilter) Update(observed, temp, qMoist, qBeta, r float64) float64 {
	f.p.SetSym(0, 0, f.p.At(0, 0)+qMoist)
	f.p.SetSym(1, 1, f.p.At(1, 1)+qBeta)

	h := mat.NewVecDense(2, []float64{1, temp - f.tempRef})
	innovation := observed - mat.Dot(h, f.x)

	// S = H P H^T + R
	var ph mat.VecDense
	ph.MulVec(f.p, h)
	s := math.Max(mat.Dot(h, &ph)+r, kalmanSFloor)

	// K = P H^T / S
	k := mat.NewVecDense(2, []float64{
		clamp(ph.AtVec(0)/s, -kalmanKCap, kalmanKCap),
		clamp(ph.AtVec(1)/s, -kalmanKCap, kalmanKCap),
	})
	f.x.AddScaledVec(f.x, innovation, k)

	// Joseph form: P = (I - K H) P (I - K H)^T + K R K^T
	a := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	var kh mat.Dense
	kh.Outer(1, k, h)
	a.Sub(a, &kh)

	var ap, apa, krk mat.Dense
	ap.Mul(a, f.p)
	apa.Mul(&ap, a.T())
	krk.Outer(r, k, k)
	apa.Add(&apa, &krk)

	off := 0.5 * (apa.At(0, 1) + apa.At(1, 0))
	f.p.SetSym(0, 0, math.Max(apa.At(0, 0), kalmanPFloor))
	f.p.SetSym(0, 1, off)
	f.p.SetSym(1, 1, math.Max(apa.At(1, 1), kalmanPFloor))

	return f.MoistReal()
}

// MoistReal is the moisture estimate at the reference temperature.
func (f *MoistureKalmanFilter) MoistReal() float64 { return f.x.AtVec(0) }

// Beta is the estimated sensor sensitivity in moisture units per degree.
func (f *MoistureKalmanFilter) Beta() float64 { return f.x.AtVec(1) }

func (f *MoistureKalmanFilter) TempRef() float64 { return f.tempRef }

func (f *MoistureKalmanFilter) SetTempRef(tempRef float64) { f.tempRef = tempRef }

// Covariance returns a copy of the 2x2 covariance matrix.
func (f *MoistureKalmanFilter) Covariance() [2][2]float64 {
	return [2][2]float64{
		{f.p.At(0, 0), f.p.At(0, 1)},
		{f.p.At(1, 0), f.p.At(1, 1)},
	}
}

// KalmanNoise configures a KalmanMoistureSensor.
type KalmanNoise struct {
	QMoistIdle     float64
	QMoistWatering float64
	QBeta          float64
	// RSensitive is used until SensitivePeriod has passed since construction
	// so the filter converges quickly, RNormal afterwards.
	RSensitive      float64
	RNormal         float64
	SensitivePeriod time.Duration
}

// DefaultKalmanNoise returns the noise settings used by the field sensors.
func DefaultKalmanNoise() KalmanNoise {
	return KalmanNoise{
		QMoistIdle:      1e-5,
		QMoistWatering:  1e-2,
		QBeta:           1e-6,
		RSensitive:      1e-3,
		RNormal:         1e-1,
		SensitivePeriod: 15 * time.Minute,
	}
}

// KalmanMoistureSensor is a MoistureSensor that reports the filtered,
// temperature-compensated moisture of a raw sensor.
type KalmanMoistureSensor struct {
	raw         MoistureSensor
	temperature TemperatureSensor
	filter      *MoistureKalmanFilter
	noise       KalmanNoise
	now         func() time.Time
	sensitiveTo time.Time
	watering    bool
}

// NewKalmanMoistureSensor wraps raw and temperature with filter.
func NewKalmanMoistureSensor(raw MoistureSensor, temperature TemperatureSensor, filter *MoistureKalmanFilter, noise KalmanNoise, now func() time.Time) *KalmanMoistureSensor {
	return &KalmanMoistureSensor{
		raw:         raw,
		temperature: temperature,
		filter:      filter,
		noise:       noise,
		now:         now,
		sensitiveTo: now().Add(noise.SensitivePeriod),
	}
}

// Moisture returns NaN when either input is unavailable.
func (s *KalmanMoistureSensor) Moisture() Percent {
	raw := s.raw.Moisture()
	if math.IsNaN(raw) {
		return math.NaN()
	}
	temp := s.temperature.Temperature()
	if math.IsNaN(temp) {
		return math.NaN()
	}

	r := s.noise.RNormal
	if s.now().Before(s.sensitiveTo) {
		r = s.noise.RSensitive
	}
	q := s.noise.QMoistIdle
	if s.watering {
		q = s.noise.QMoistWatering
	}
	return s.filter.Update(raw, temp, q, s.noise.QBeta, r)
}

// SetWatering switches to the faster-tracking process noise while water is
// being delivered or soaking in.
func (s *KalmanMoistureSensor) SetWatering(watering bool) {
	s.watering = watering
}

// Beta is the learned temperature sensitivity, reported with the plot's
// irrigation status.
func (s *KalmanMoistureSensor) Beta() float64 {
	return s.filter.Beta()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
