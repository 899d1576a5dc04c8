package compression

// Calculator converts size and time measurements into a monetary benefit
// score. Rates are injected configuration.
type Calculator struct {
	TransferRatePerGB    float64
	ComputeRatePerMinute float64
}

// computeOverhead accounts for task startup and orchestration beyond the
// measured processing time.
const computeOverhead = 1.025

// Calculate returns the net dollar benefit of a compression run: transfer
// savings across all destination regions minus compute cost. A negative
// score means the level cost more compute than it saved in transfer.
func (c Calculator) Calculate(originalSize, compressedSize int64, elapsedSeconds float64, numRegions int) float64 {
	bytesSaved := originalSize - compressedSize
	if bytesSaved < 0 {
		bytesSaved = 0
	}

	computeCost := elapsedSeconds * computeOverhead * c.ComputeRatePerMinute / 60
	transferSavings := float64(bytesSaved) * c.TransferRatePerGB / (1 << 30) * float64(numRegions)

	return transferSavings - computeCost
}
