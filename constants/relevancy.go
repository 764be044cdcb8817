package constants

// Relevancy grid defaults. Distances are centimetres.
const (
	// DefaultCellSizeCm is the side of one interest grid cell (50 m).
	DefaultCellSizeCm = 5000

	// DefaultInterestRadius is the subscription radius in cells around a
	// client's own cell (1 = the 3x3 square).
	DefaultInterestRadius = 1

	// DefaultMovementThresholdCm is how far a pawn must move before its
	// client's cell subscription is reassessed (1 m).
	DefaultMovementThresholdCm = 100
)
