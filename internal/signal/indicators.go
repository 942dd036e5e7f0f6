package signal

import "math"

// calculateEMA returns the exponential moving average series for prices.
// Entries before the first full period are seeded with the simple average.
func calculateEMA(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	if len(prices) < period || period <= 0 {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += prices[i]
		out[i] = sum / float64(i+1)
	}
	ema := sum / float64(period)
	out[period-1] = ema

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
		out[i] = ema
	}
	return out
}

// calculateRSI returns the latest RSI value, or 50 (neutral) when there is
// not enough data to compute it.
func calculateRSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50.0
	}

	avgGain := 0.0
	avgLoss := 0.0
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	// Wilder smoothing over the remainder of the series.
	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// calculateMACD returns the last two MACD histogram values (previous, current).
// A zero-crossing between them is the buy/sell trigger.
func calculateMACD(prices []float64, fast, slow, signalPeriod int) (prev, current float64) {
	minLen := slow + signalPeriod
	if len(prices) < minLen {
		return 0, 0
	}

	fastEMA := calculateEMA(prices, fast)
	slowEMA := calculateEMA(prices, slow)

	macdLine := make([]float64, len(prices))
	for i := range prices {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}

	signalLine := calculateEMA(macdLine, signalPeriod)

	n := len(prices)
	current = macdLine[n-1] - signalLine[n-1]
	prev = macdLine[n-2] - signalLine[n-2]
	return prev, current
}

// calculateBollingerBands returns (upper, middle, lower) for the last bar.
// With insufficient data all three collapse onto the last price.
func calculateBollingerBands(prices []float64, period int, stdDev float64) (upper, middle, lower float64) {
	if len(prices) == 0 {
		return 0, 0, 0
	}
	if len(prices) < period {
		last := prices[len(prices)-1]
		return last, last, last
	}

	sum := 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		sum += prices[i]
	}
	sma := sum / float64(period)

	variance := 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		diff := prices[i] - sma
		variance += diff * diff
	}
	variance /= float64(period)
	std := math.Sqrt(variance)

	return sma + stdDev*std, sma, sma - stdDev*std
}

// calculateStochasticK returns the latest slow %K (smoothed over 3 bars),
// or 50 when there is not enough data.
func calculateStochasticK(highs, lows, closes []float64, period int) float64 {
	const smooth = 3
	n := len(closes)
	if n < period+smooth-1 || len(highs) != n || len(lows) != n {
		return 50.0
	}

	fastK := func(end int) float64 {
		hh := highs[end-period+1]
		ll := lows[end-period+1]
		for i := end - period + 2; i <= end; i++ {
			hh = math.Max(hh, highs[i])
			ll = math.Min(ll, lows[i])
		}
		if hh == ll {
			return 50.0
		}
		return (closes[end] - ll) / (hh - ll) * 100.0
	}

	sum := 0.0
	for i := 0; i < smooth; i++ {
		sum += fastK(n - 1 - i)
	}
	return sum / smooth
}

// calculateATR returns the average true range of the last period bars as an
// absolute price distance. Falls back to a small positive default so that
// volatility-scaled sizing never divides by a broken value.
func calculateATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < period+1 || len(highs) != n || len(lows) != n {
		if n > 0 && closes[n-1] > 0 {
			return closes[n-1] * 0.01
		}
		return 0.01
	}

	sum := 0.0
	for i := n - period; i < n; i++ {
		tr := highs[i] - lows[i]
		tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
		tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		sum += tr
	}
	return sum / float64(period)
}
