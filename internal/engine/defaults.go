package engine

// Specimen geometry and procedure constants for the standard 50 mm x 100 mm
// uniaxial compression specimen.
const (
	TopWallID    = 1
	BottomWallID = 2
	LeftWallID   = 3
	RightWallID  = 4

	CompactionTolerance = 1e-4
	BondedTolerance     = 1e-5
)

// DefaultContainer returns the standard mould: top and bottom platens plus
// two lateral walls used only for compaction.
func DefaultContainer() Container {
	return Container{
		XMin: -0.05, XMax: 0.05,
		YMin: -0.1, YMax: 0.1,

		CompactionEmod:  1.0e9,
		CompactionRatio: 0.0,
		Walls: []Wall{
			{ID: TopWallID, X1: -0.03, Y1: 0.05, X2: 0.03, Y2: 0.05},
			{ID: BottomWallID, X1: -0.03, Y1: -0.05, X2: 0.03, Y2: -0.05},
			{ID: LeftWallID, X1: -0.025, Y1: -0.06, X2: -0.025, Y2: 0.06},
			{ID: RightWallID, X1: 0.025, Y1: -0.06, X2: 0.025, Y2: 0.06},
		},
	}
}

// DefaultPack returns the standard assembly inside DefaultContainer.
func DefaultPack() PackSpec {
	return PackSpec{
		Seed:       10001,
		Porosity:   0.1,
		RadiusMin:  0.5e-3,
		RadiusMax:  0.75e-3,
		BoxXMin:    -0.025,
		BoxXMax:    0.025,
		BoxYMin:    -0.05,
		BoxYMax:    0.05,
		Density:    2500,
		Damping:    0.7,
		CalmCycles: 1000,
	}
}

// LateralWalls are removed once compaction reaches equilibrium.
func LateralWalls() []int {
	return []int{LeftWallID, RightWallID}
}
