package snapshots

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// DefaultEMAPeriod is the smoothing period used when callers pass none
const DefaultEMAPeriod = 24

const secondsPerYear = 365 * 24 * 3600

// Analytics summarizes share-price behaviour over a series of snapshots.
// Returns are per snapshot interval; APY annualizes the whole period.
type Analytics struct {
	Count         int       `json:"count"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	FirstPrice    float64   `json:"first_price"`
	LastPrice     float64   `json:"last_price"`
	PeriodReturn  float64   `json:"period_return"`
	MeanReturn    float64   `json:"mean_return"`
	StdDevReturn  float64   `json:"stddev_return"`
	APY           float64   `json:"apy"`
	SmoothedPrice float64   `json:"smoothed_price"`
	EMAPeriod     int       `json:"ema_period"`
}

// Analyze derives analytics from snapshots ordered oldest first
func Analyze(snaps []Snapshot, emaPeriod int) *Analytics {
	if emaPeriod <= 0 {
		emaPeriod = DefaultEMAPeriod
	}
	a := &Analytics{Count: len(snaps), EMAPeriod: emaPeriod}
	if len(snaps) == 0 {
		return a
	}

	first, last := snaps[0], snaps[len(snaps)-1]
	a.From, a.To = first.RecordedAt, last.RecordedAt
	a.FirstPrice, a.LastPrice = first.SharePrice, last.SharePrice

	prices := make([]float64, len(snaps))
	for i, s := range snaps {
		prices[i] = s.SharePrice
	}
	a.SmoothedPrice = smoothed(prices, emaPeriod)

	if len(snaps) < 2 || first.SharePrice <= 0 {
		return a
	}

	returns := make([]float64, 0, len(snaps)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			continue
		}
		returns = append(returns, prices[i]/prices[i-1]-1)
	}
	if len(returns) > 1 {
		a.MeanReturn, a.StdDevReturn = stat.MeanStdDev(returns, nil)
	} else if len(returns) == 1 {
		a.MeanReturn = returns[0]
	}

	a.PeriodReturn = last.SharePrice/first.SharePrice - 1
	if elapsed := last.RecordedAt.Sub(first.RecordedAt).Seconds(); elapsed > 0 && a.PeriodReturn > -1 {
		a.APY = math.Pow(1+a.PeriodReturn, secondsPerYear/elapsed) - 1
		if math.IsInf(a.APY, 0) || math.IsNaN(a.APY) {
			a.APY = 0
		}
	}
	return a
}

// smoothed returns the last EMA value, falling back to the mean when the
// series is shorter than the period.
func smoothed(prices []float64, period int) float64 {
	if len(prices) < period || period < 2 {
		return stat.Mean(prices, nil)
	}
	ema := talib.Ema(prices, period)
	if v := ema[len(ema)-1]; !math.IsNaN(v) {
		return v
	}
	return stat.Mean(prices[len(prices)-period:], nil)
}
