package scripting

import (
	"context"
	"errors"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/zeusync/firesim/internal/core/combustion"
	"github.com/zeusync/firesim/internal/core/geom"
	"github.com/zeusync/firesim/internal/core/models"
	"github.com/zeusync/firesim/internal/core/observability/log"
	"github.com/zeusync/firesim/internal/core/simulation"
	"github.com/zeusync/firesim/internal/core/vegetation"
	"github.com/zeusync/firesim/internal/core/weather"
)

var ErrScript = errors.New("scripting: lua error")

// Runner executes Lua scenarios against a simulation. A Runner wraps a single
// VM and must be used from one goroutine.
type Runner struct {
	vm     *lua.LState
	sim    *simulation.Simulation
	logger log.Log
}

func NewRunner(sim *simulation.Simulation, logger log.Log) *Runner {
	if logger == nil {
		logger = log.Nop()
	}
	r := &Runner{
		vm:     lua.NewState(),
		sim:    sim,
		logger: logger.With(log.String("component", "scripting")),
	}
	r.vm.SetGlobal("API_VERSION", lua.LNumber(1))
	for name, fn := range map[string]lua.LGFunction{
		"spawn":         r.spawn,
		"remove":        r.remove,
		"ignite":        r.ignite,
		"extinguish":    r.extinguish,
		"toggle":        r.toggle,
		"ignite_random": r.igniteRandom,
		"front":         r.front,
		"wind":          r.wind,
		"step":          r.step,
		"sleep":         r.sleep,
		"pause":         r.pause,
		"resume":        r.resume,
		"clear":         r.clear,
		"state":         r.state,
		"count":         r.count,
		"now":           r.now,
		"log":           r.log,
	} {
		r.vm.SetGlobal(name, r.vm.NewFunction(fn))
	}
	return r
}

func (r *Runner) Close() { r.vm.Close() }

// RunFile executes a Lua file. ctx cancels a running script.
func (r *Runner) RunFile(ctx context.Context, path string) error {
	r.vm.SetContext(ctx)
	defer r.vm.RemoveContext()
	r.logger.Info("running scenario", log.String("file", path))
	if err := r.vm.DoFile(path); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrScript, path, err)
	}
	return nil
}

// RunString executes Lua source.
func (r *Runner) RunString(ctx context.Context, src string) error {
	r.vm.SetContext(ctx)
	defer r.vm.RemoveContext()
	if err := r.vm.DoString(src); err != nil {
		return fmt.Errorf("%w: %w", ErrScript, err)
	}
	return nil
}

// Global returns a global left behind by a script.
func (r *Runner) Global(name string) lua.LValue { return r.vm.GetGlobal(name) }

func checkID(L *lua.LState, n int) models.EntityID {
	v := L.CheckInt64(n)
	if v <= 0 {
		L.ArgError(n, "entity id must be positive")
	}
	return models.EntityID(v)
}

// pushResult follows the Lua convention of returning nil plus a message on failure.
func pushResult(L *lua.LState, v lua.LValue, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(v)
	return 1
}

// spawn(x, y, z [, fuel [, max_radius]]) -> id | nil, err
func (r *Runner) spawn(L *lua.LState) int {
	pos := geom.V(float64(L.CheckNumber(1)), float64(L.CheckNumber(2)), float64(L.CheckNumber(3)))
	var opts []vegetation.SpawnOption
	if L.GetTop() >= 4 && L.Get(4) != lua.LNil {
		opts = append(opts, vegetation.WithFuel(float64(L.CheckNumber(4))))
	}
	if L.GetTop() >= 5 && L.Get(5) != lua.LNil {
		opts = append(opts, vegetation.WithMaxRadius(float64(L.CheckNumber(5))))
	}
	id, err := r.sim.Spawn(pos, opts...)
	return pushResult(L, lua.LNumber(id), err)
}

func (r *Runner) remove(L *lua.LState) int {
	L.Push(lua.LBool(r.sim.Remove(checkID(L, 1))))
	return 1
}

func (r *Runner) ignite(L *lua.LState) int {
	ok, err := r.sim.Ignite(checkID(L, 1))
	return pushResult(L, lua.LBool(ok), err)
}

func (r *Runner) extinguish(L *lua.LState) int {
	ok, err := r.sim.Extinguish(checkID(L, 1))
	return pushResult(L, lua.LBool(ok), err)
}

func (r *Runner) toggle(L *lua.LState) int {
	st, err := r.sim.Toggle(checkID(L, 1))
	return pushResult(L, lua.LString(st.String()), err)
}

func (r *Runner) igniteRandom(L *lua.LState) int {
	n, err := r.sim.IgniteRandom(L.CheckInt(1))
	return pushResult(L, lua.LNumber(n), err)
}

// front(x, y, z) -> id
func (r *Runner) front(L *lua.LState) int {
	st := r.sim.LaunchFront(geom.V(float64(L.CheckNumber(1)), float64(L.CheckNumber(2)), float64(L.CheckNumber(3))))
	L.Push(lua.LNumber(st.ID))
	return 1
}

// wind(yaw_degrees [, speed])
func (r *Runner) wind(L *lua.LState) int {
	yaw := float64(L.CheckNumber(1))
	speed := float64(L.OptNumber(2, -1))
	_, err := r.sim.UpdateWeather(func(s *weather.Settings) {
		s.WindDirection = geom.FromYaw(yaw)
		if L.GetTop() >= 2 {
			s.WindSpeed = speed
		}
	})
	if err != nil {
		L.RaiseError("wind: %s", err.Error())
	}
	return 0
}

// step(seconds) -> ticks; only with a manual clock.
func (r *Runner) step(L *lua.LState) int {
	d := seconds(L, 1)
	n, err := r.sim.Step(d)
	if err != nil {
		L.RaiseError("step: %s", err.Error())
	}
	L.Push(lua.LNumber(n))
	return 1
}

// sleep(seconds) waits in real time; the script's context cancels it.
func (r *Runner) sleep(L *lua.LState) int {
	d := seconds(L, 1)
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		L.RaiseError("sleep: %s", ctx.Err().Error())
	}
	return 0
}

func seconds(L *lua.LState, n int) time.Duration {
	s := float64(L.CheckNumber(n))
	if s < 0 {
		L.ArgError(n, "duration must not be negative")
	}
	return time.Duration(s * float64(time.Second))
}

func (r *Runner) pause(L *lua.LState) int {
	L.Push(lua.LBool(r.sim.Pause()))
	return 1
}

func (r *Runner) resume(L *lua.LState) int {
	L.Push(lua.LBool(r.sim.Resume()))
	return 1
}

func (r *Runner) clear(L *lua.LState) int {
	L.Push(lua.LNumber(r.sim.Clear()))
	return 1
}

// state(id) -> "unburnt" | "burning" | "burned" | nil
func (r *Runner) state(L *lua.LState) int {
	c, ok := r.sim.Field().Get(checkID(L, 1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(c.State().String()))
	return 1
}

// count([state]) -> n; all plants without an argument.
func (r *Runner) count(L *lua.LState) int {
	if L.GetTop() == 0 {
		L.Push(lua.LNumber(r.sim.Field().Len()))
		return 1
	}
	st, err := combustion.ParseState(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
	}
	L.Push(lua.LNumber(r.sim.Field().CountByState()[st]))
	return 1
}

// now() -> simulation time in unix seconds
func (r *Runner) now(L *lua.LState) int {
	L.Push(lua.LNumber(float64(r.sim.Now().UnixNano()) / float64(time.Second)))
	return 1
}

func (r *Runner) log(L *lua.LState) int {
	r.logger.Info(L.CheckString(1), log.String("source", "lua"))
	return 0
}
