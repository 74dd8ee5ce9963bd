package combustion

import (
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/spatial"
)

// candidates is the cached result of both spread queries for one plant,
// taken at the largest reach the plant can ever have under the wind in
// effect when it was built.
type candidates struct {
	version uint64
	epoch   uint64

	downwind    spatial.Hit
	hasDownwind bool

	// adjacent passed the back-angle gate and is sorted by distance.
	adjacent []neighbour
}

type neighbour struct {
	id   models.EntityID
	dist float64
}

func (c *candidates) valid(version, epoch uint64) bool {
	return c != nil && c.version == version && c.epoch == epoch
}

// withinBackAngle reports whether target may be ignited from origin by the
// adjacent rule: the angle between target-origin and wind must not exceed
// 90 degrees plus tolerance.
func withinBackAngle(origin, target, wind geom.Vec3, tolerance float64) bool {
	return geom.AngleDeg(target.Sub(origin), wind) <= 90+tolerance+angleSlack
}

func (e *Engine) downwindRay(c *Combustible, reach float64, wind geom.Vec3) spatial.Ray {
	return spatial.Ray{
		Origin:      c.pos,
		Direction:   wind,
		MaxDistance: reach,
		Radius:      e.cfg.RayRadius,
	}
}

// igniteID resolves id and ignites it when Unburnt.
func (e *Engine) igniteID(id models.EntityID) bool {
	target, ok := e.resolver.Resolve(id)
	if !ok || target.State() != Unburnt {
		return false
	}
	return e.Ignite(target)
}

func (e *Engine) spreadDownwindRecast(c *Combustible, reach float64, wind geom.Vec3) {
	if !(reach > 0) {
		return
	}
	if hit, ok := e.index.QueryRay(e.downwindRay(c, reach, wind), models.LayerCombustible, c.id); ok {
		e.igniteID(hit.ID)
	}
}

func (e *Engine) spreadAdjacentRecast(c *Combustible, radius float64, wind geom.Vec3) {
	if !(radius > 0) {
		return
	}
	tolerance := e.weather.BackAngleTolerance()
	for _, id := range e.index.QueryRadius(c.pos, radius, models.LayerCombustible, c.id) {
		target, ok := e.resolver.Resolve(id)
		if !ok || target.State() != Unburnt {
			continue
		}
		if !withinBackAngle(c.pos, target.pos, wind, tolerance) {
			continue
		}
		e.Ignite(target)
	}
}

func (e *Engine) buildCandidates(c *Combustible, speed float64, wind geom.Vec3, version, epoch uint64) *candidates {
	e.cacheBuilds.Add(1)
	cache := &candidates{version: version, epoch: epoch}

	maxReach := c.maxRadius * speed
	if maxReach > 0 {
		cache.downwind, cache.hasDownwind = e.index.QueryRay(e.downwindRay(c, maxReach, wind), models.LayerCombustible, c.id)
	}

	maxSide := maxReach * e.cfg.SideSpreadMultiplier
	if maxSide > 0 {
		tolerance := e.weather.BackAngleTolerance()
		for _, id := range e.index.QueryRadius(c.pos, maxSide, models.LayerCombustible, c.id) {
			target, ok := e.resolver.Resolve(id)
			if !ok || !withinBackAngle(c.pos, target.pos, wind, tolerance) {
				continue
			}
			cache.adjacent = append(cache.adjacent, neighbour{id: id, dist: c.pos.Dist(target.pos)})
		}
	}
	return cache
}

func (e *Engine) spreadCached(c *Combustible, cache *candidates, reach, side float64) {
	if cache.hasDownwind && cache.downwind.Distance <= reach {
		e.igniteID(cache.downwind.ID)
	}
	for _, n := range cache.adjacent {
		if n.dist > side {
			break
		}
		e.igniteID(n.id)
	}
}
