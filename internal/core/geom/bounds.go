package geom

// Bounds is an axis-aligned box.
type Bounds struct {
	Min Vec3 `json:"min" yaml:"min" toml:"min"`
	Max Vec3 `json:"max" yaml:"max" toml:"max"`
}

func (b Bounds) Size() Vec3 { return b.Max.Sub(b.Min) }

func (b Bounds) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

func (b Bounds) Clamp(p Vec3) Vec3 { return p.Clamp(b.Min, b.Max) }

// Inset shrinks the box horizontally by pad on each side.
func (b Bounds) Inset(pad float64) Bounds {
	return Bounds{
		Min: Vec3{X: b.Min.X + pad, Y: b.Min.Y, Z: b.Min.Z + pad},
		Max: Vec3{X: b.Max.X - pad, Y: b.Max.Y, Z: b.Max.Z - pad},
	}
}
