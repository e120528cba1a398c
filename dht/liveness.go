package dht

// DefaultEMAWeight is the weight given to the newest observation when
// smoothing latency and reliability.
const DefaultEMAWeight = 0.2

// UpdateReliability moves a reliability score toward 1 after a successful
// exchange and toward 0 after a failure, by an exponential moving average.
func UpdateReliability(current float64, success bool, weight float64) float64 {
	target := 0.0
	if success {
		target = 1.0
	}
	return clampUnit(current + weight*(target-current))
}

// UpdateLatency smooths a round-trip sample into the running latency. A
// current value of zero means no previous sample.
func UpdateLatency(currentMs, sampleMs int, weight float64) int {
	if sampleMs < 0 {
		sampleMs = 0
	}
	if currentMs <= 0 {
		return sampleMs
	}
	return int(float64(currentMs) + weight*float64(sampleMs-currentMs) + 0.5)
}
