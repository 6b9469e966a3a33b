package analytics

import (
	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
)

// MACD defaults
const (
	DefaultMACDFast   = 12
	DefaultMACDSlow   = 26
	DefaultMACDSignal = 9
)

func checkPeriod(period int) error {
	if period < 1 {
		return apperrors.InvalidInput("period must be at least 1, got %d", period)
	}
	return nil
}

// SMA returns the simple moving average of every full window. The first
// value corresponds to prices[period-1].
func SMA(prices []float64, period int) ([]float64, error) {
	if err := checkPeriod(period); err != nil {
		return nil, err
	}
	if len(prices) < period {
		return nil, apperrors.InsufficientData(period, len(prices))
	}

	out := make([]float64, 0, len(prices)-period+1)
	var sum float64
	for i, p := range prices {
		sum += p
		if i >= period {
			sum -= prices[i-period]
		}
		if i >= period-1 {
			out = append(out, sum/float64(period))
		}
	}
	return out, nil
}

// EMA seeds with the SMA of the first period prices and then applies
// ema[i] = (p[i]-ema[i-1])*k + ema[i-1] with k = 2/(period+1). The first
// value corresponds to prices[period-1].
func EMA(prices []float64, period int) ([]float64, error) {
	if err := checkPeriod(period); err != nil {
		return nil, err
	}
	if len(prices) < period {
		return nil, apperrors.InsufficientData(period, len(prices))
	}

	k := 2.0 / float64(period+1)
	var seed float64
	for _, p := range prices[:period] {
		seed += p
	}
	seed /= float64(period)

	out := make([]float64, 0, len(prices)-period+1)
	out = append(out, seed)
	prev := seed
	for _, p := range prices[period:] {
		prev = (p-prev)*k + prev
		out = append(out, prev)
	}
	return out, nil
}

// RSI computes the relative strength index with Wilder smoothing. It needs
// period+1 prices; the first value corresponds to prices[period]. An average
// loss of zero yields 100.
func RSI(prices []float64, period int) ([]float64, error) {
	if err := checkPeriod(period); err != nil {
		return nil, err
	}
	if len(prices) < period+1 {
		return nil, apperrors.InsufficientData(period+1, len(prices))
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := split(prices[i] - prices[i-1])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	out := make([]float64, 0, len(prices)-period)
	out = append(out, rsiValue(avgGain, avgLoss))
	n := float64(period)
	for i := period + 1; i < len(prices); i++ {
		gain, loss := split(prices[i] - prices[i-1])
		avgGain = (avgGain*(n-1) + gain) / n
		avgLoss = (avgLoss*(n-1) + loss) / n
		out = append(out, rsiValue(avgGain, avgLoss))
	}
	return out, nil
}

func split(change float64) (gain, loss float64) {
	if change > 0 {
		return change, 0
	}
	return 0, -change
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDResult holds three equally long, index aligned series. Index 0
// corresponds to prices[slow+signal-2].
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACDMinLength is the number of prices MACD needs.
func MACDMinLength(slow, signal int) int {
	return slow + signal - 1
}

// MACD = EMA(fast) - EMA(slow); signal = EMA(MACD, signal);
// histogram = MACD - signal.
func MACD(prices []float64, fast, slow, signal int) (MACDResult, error) {
	for _, p := range []int{fast, slow, signal} {
		if err := checkPeriod(p); err != nil {
			return MACDResult{}, err
		}
	}
	if fast >= slow {
		return MACDResult{}, apperrors.InvalidInput("fast period %d must be shorter than slow period %d", fast, slow)
	}
	if need := MACDMinLength(slow, signal); len(prices) < need {
		return MACDResult{}, apperrors.InsufficientData(need, len(prices))
	}

	fastEMA, err := EMA(prices, fast)
	if err != nil {
		return MACDResult{}, err
	}
	slowEMA, err := EMA(prices, slow)
	if err != nil {
		return MACDResult{}, err
	}

	// fastEMA starts at prices[fast-1], slowEMA at prices[slow-1]
	offset := slow - fast
	line := make([]float64, len(slowEMA))
	for i := range slowEMA {
		line[i] = fastEMA[i+offset] - slowEMA[i]
	}

	sig, err := EMA(line, signal)
	if err != nil {
		return MACDResult{}, err
	}

	res := MACDResult{
		MACD:      make([]float64, len(sig)),
		Signal:    sig,
		Histogram: make([]float64, len(sig)),
	}
	for i := range sig {
		m := line[i+signal-1]
		res.MACD[i] = m
		res.Histogram[i] = m - sig[i]
	}
	return res, nil
}
