package vegetation

import (
	"errors"
	"math/rand/v2"

	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/observability/log"
)

// HeightFunc returns the terrain height at (x, z). Plants are placed on it.
type HeightFunc func(x, z float64) float64

// Flat is a HeightFunc for level ground at height y.
func Flat(y float64) HeightFunc {
	return func(float64, float64) float64 { return y }
}

// GenerateGrid lays out positions every spacing units across bounds shrunk
// by padding on every side.
func GenerateGrid(bounds geom.Bounds, spacing, padding float64, height HeightFunc) []geom.Vec3 {
	if !(spacing > 0) {
		return nil
	}
	if height == nil {
		height = Flat(bounds.Min.Y)
	}
	area := bounds.Inset(padding)
	if area.Max.X < area.Min.X || area.Max.Z < area.Min.Z {
		return nil
	}
	var out []geom.Vec3
	for z := area.Min.Z; z <= area.Max.Z; z += spacing {
		for x := area.Min.X; x <= area.Max.X; x += spacing {
			out = append(out, geom.V(x, height(x, z), z))
		}
	}
	return out
}

// GenerateRandom returns count uniformly distributed positions inside bounds
// shrunk by padding.
func GenerateRandom(bounds geom.Bounds, count int, padding float64, height HeightFunc, rng *rand.Rand) []geom.Vec3 {
	if count <= 0 {
		return nil
	}
	if height == nil {
		height = Flat(bounds.Min.Y)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	area := bounds.Inset(padding)
	if area.Max.X < area.Min.X || area.Max.Z < area.Min.Z {
		return nil
	}
	size := area.Size()
	out := make([]geom.Vec3, 0, count)
	for i := 0; i < count; i++ {
		x := area.Min.X + rng.Float64()*size.X
		z := area.Min.Z + rng.Float64()*size.Z
		out = append(out, geom.V(x, height(x, z), z))
	}
	return out
}

// Populate spawns a plant at each position. Positions that are too close to
// an existing plant are skipped.
func (f *Field) Populate(positions []geom.Vec3, opts ...SpawnOption) (spawned, skipped int, err error) {
	for _, p := range positions {
		if _, err = f.Spawn(p, opts...); err != nil {
			if errors.Is(err, ErrOccupied) {
				skipped++
				err = nil
				continue
			}
			return spawned, skipped, err
		}
		spawned++
	}
	f.logger.Info("field populated", log.Int("spawned", spawned), log.Int("skipped", skipped))
	return spawned, skipped, nil
}
