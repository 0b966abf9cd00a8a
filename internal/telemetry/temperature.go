package telemetry

import (
	"math"
	"math/rand"
	"time"
)

// TempModel produces synthetic ambient temperature with a smooth 24-hour
// cycle: warmest in the mid-afternoon, coolest before dawn, plus a little
// sensor noise.
type TempModel struct {
	Base      float64 // °C at the daily mean
	Variation float64 // peak-to-mean diurnal amplitude in °C
	NoiseStd  float64 // gaussian sensor noise, °C

	rng *rand.Rand
}

// NewTempModel creates a temperature model around base °C with the given
// diurnal amplitude.
func NewTempModel(base, variation float64) *TempModel {
	return &TempModel{
		Base:      base,
		Variation: variation,
		NoiseStd:  0.5,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// At returns the simulated temperature at the given wall-clock time.
func (m *TempModel) At(t time.Time) float64 {
	return m.diurnal(t) + m.rng.NormFloat64()*m.NoiseStd
}

// diurnal is the noise-free component: a sine over the day peaking at
// 14:00 and bottoming out around 02:00.
func (m *TempModel) diurnal(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	return m.Base + m.Variation*math.Sin((hour-8)*math.Pi/12)
}
