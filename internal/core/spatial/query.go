package spatial

import (
	"cmp"
	"math"
	"slices"

	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
)

// Ray is a sphere cast: a segment from Origin along Direction out to
// MaxDistance, thickened by Radius.
type Ray struct {
	Origin      geom.Vec3
	Direction   geom.Vec3
	MaxDistance float64
	Radius      float64
}

// Hit is an entity intersected by a Ray. Distance is measured along the ray.
type Hit struct {
	ID       models.EntityID
	Distance float64
}

type scored struct {
	id models.EntityID
	d  float64
}

func sortScored(s []scored) {
	slices.SortFunc(s, func(a, b scored) int {
		if c := cmp.Compare(a.d, b.d); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
}

// QueryRadius returns every entity on layers whose distance to origin is at
// most radius, nearest first (ties by id). exclude is never returned.
func (g *Grid) QueryRadius(origin geom.Vec3, radius float64, layers models.Layer, exclude models.EntityID) []models.EntityID {
	if !(radius > 0) {
		return nil
	}
	ext := geom.V(radius, 0, radius)

	buf := g.buffers.Get()
	defer g.buffers.Put(buf)

	g.mu.RLock()
	*buf = g.collectLocked(*buf, origin.Sub(ext), origin.Add(ext), layers, exclude)
	out := make([]scored, 0, len(*buf))
	r2 := radius * radius
	for _, e := range *buf {
		if d2 := origin.DistSq(e.pos); d2 <= r2 {
			out = append(out, scored{id: e.id, d: d2})
		}
	}
	g.mu.RUnlock()

	sortScored(out)
	ids := make([]models.EntityID, len(out))
	for i, s := range out {
		ids[i] = s.id
	}
	return ids
}

// QueryRay returns the nearest hit along ray, if any.
func (g *Grid) QueryRay(ray Ray, layers models.Layer, exclude models.EntityID) (Hit, bool) {
	hits := g.QueryRayAll(ray, layers, exclude)
	if len(hits) == 0 {
		return Hit{}, false
	}
	return hits[0], true
}

// QueryRayAll returns every entity whose projection onto the ray lies in
// (0, MaxDistance] and whose distance from the ray line is at most
// ray.Radius, ordered by distance along the ray.
func (g *Grid) QueryRayAll(ray Ray, layers models.Layer, exclude models.EntityID) []Hit {
	if !(ray.MaxDistance > 0) || ray.Direction.IsZero() || ray.Radius < 0 {
		return nil
	}
	dir := ray.Direction.Normalize()
	end := ray.Origin.Add(dir.Scale(ray.MaxDistance))
	pad := geom.V(ray.Radius, 0, ray.Radius)
	min := geom.V(math.Min(ray.Origin.X, end.X), 0, math.Min(ray.Origin.Z, end.Z)).Sub(pad)
	max := geom.V(math.Max(ray.Origin.X, end.X), 0, math.Max(ray.Origin.Z, end.Z)).Add(pad)

	buf := g.buffers.Get()
	defer g.buffers.Put(buf)

	g.mu.RLock()
	*buf = g.collectLocked(*buf, min, max, layers, exclude)
	out := make([]scored, 0, len(*buf))
	r2 := ray.Radius * ray.Radius
	for _, e := range *buf {
		v := e.pos.Sub(ray.Origin)
		t := v.Dot(dir)
		if t <= 0 || t > ray.MaxDistance {
			continue
		}
		if perp2 := v.LenSq() - t*t; perp2 > r2+perpSlack {
			continue
		}
		out = append(out, scored{id: e.id, d: t})
	}
	g.mu.RUnlock()

	sortScored(out)
	hits := make([]Hit, len(out))
	for i, s := range out {
		hits[i] = Hit{ID: s.id, Distance: s.d}
	}
	return hits
}

// perpSlack absorbs rounding in |v|²-t² for points lying on the ray line.
const perpSlack = 1e-9
