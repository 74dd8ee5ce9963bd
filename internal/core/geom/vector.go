package geom

import "math"

// Vec3 is a point or direction in world space. Y is up.
type Vec3 struct {
	X float64 `json:"x" yaml:"x" toml:"x"`
	Y float64 `json:"y" yaml:"y" toml:"y"`
	Z float64 `json:"z" yaml:"z" toml:"z"`
}

var (
	Zero    = Vec3{}
	Forward = Vec3{Z: 1}
	Right   = Vec3{X: 1}
	Up      = Vec3{Y: 1}
)

func V(x, y, z float64) Vec3 { return Vec3{X: x, Y: y, Z: z} }

func (v Vec3) Add(o Vec3) Vec3       { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3       { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3  { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Dot(o Vec3) float64    { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) LenSq() float64        { return v.Dot(v) }
func (v Vec3) Len() float64          { return math.Sqrt(v.LenSq()) }
func (v Vec3) Dist(o Vec3) float64   { return o.Sub(v).Len() }
func (v Vec3) DistSq(o Vec3) float64 { return o.Sub(v).LenSq() }
func (v Vec3) IsZero() bool          { return v.X == 0 && v.Y == 0 && v.Z == 0 }

// IsFinite reports whether no component is NaN or infinite.
func (v Vec3) IsFinite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Normalize returns the unit vector of v, or the zero vector if v has no length.
func (v Vec3) Normalize() Vec3 {
	l := v.Len()
	if l == 0 {
		return Zero
	}
	return v.Scale(1 / l)
}

// Clamp limits each component of v to the box [min, max].
func (v Vec3) Clamp(min, max Vec3) Vec3 {
	return Vec3{
		X: clamp(v.X, min.X, max.X),
		Y: clamp(v.Y, min.Y, max.Y),
		Z: clamp(v.Z, min.Z, max.Z),
	}
}

// FromYaw converts a heading in degrees about the Y axis into a unit vector
// in the XZ plane. 0° points along +Z, 90° along +X.
func FromYaw(deg float64) Vec3 {
	rad := deg * math.Pi / 180
	return Vec3{X: math.Sin(rad), Z: math.Cos(rad)}
}

// Yaw is the inverse of FromYaw for vectors with a horizontal component.
func Yaw(v Vec3) float64 {
	deg := math.Atan2(v.X, v.Z) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}

// AngleDeg returns the unsigned angle between a and b in degrees, in [0, 180].
// A zero-length operand yields 0.
func AngleDeg(a, b Vec3) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	return math.Atan2(a.Cross(b).Len(), a.Dot(b)) * 180 / math.Pi
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
