package automation

import (
	"time"

	"dali-go-home/internal/bridge"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerDaliModule registers the `dali` global table in a Lua state.
func registerDaliModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on_event", L.NewFunction(func(L *lua.LState) int {
		return daliOnEvent(L, vm)
	}))

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		target, ok := luaTarget(L, e)
		if !ok {
			return 0
		}
		if err := e.driver.On(target); err != nil {
			e.logger.Error("lua: switch on", "err", err, "target", target)
		}
		return 0
	}))

	mod.RawSetString("off", L.NewFunction(func(L *lua.LState) int {
		target, ok := luaTarget(L, e)
		if !ok {
			return 0
		}
		if err := e.driver.Off(target); err != nil {
			e.logger.Error("lua: switch off", "err", err, "target", target)
		}
		return 0
	}))

	mod.RawSetString("set_level", L.NewFunction(func(L *lua.LState) int {
		target, ok := luaTarget(L, e)
		if !ok {
			return 0
		}
		level := L.CheckInt(2)
		if level < 0 {
			level = 0
		}
		if level > 254 {
			level = 254
		}
		if err := e.driver.SetLevel(target, uint8(level)); err != nil {
			e.logger.Error("lua: set level", "err", err, "target", target)
		}
		return 0
	}))

	mod.RawSetString("level", L.NewFunction(func(L *lua.LState) int {
		target, ok := luaTarget(L, e)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		level, err := e.driver.Level(target)
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(level))
		return 1
	}))

	mod.RawSetString("go_to_scene", L.NewFunction(func(L *lua.LState) int {
		target, ok := luaTarget(L, e)
		if !ok {
			return 0
		}
		scene := L.CheckInt(2)
		if scene < 0 || scene > 15 {
			L.ArgError(2, "scene must be 0-15")
			return 0
		}
		if err := e.driver.GoToScene(target, uint8(scene)); err != nil {
			e.logger.Error("lua: go to scene", "err", err, "target", target, "scene", scene)
		}
		return 0
	}))

	mod.RawSetString("set_color_temp", L.NewFunction(func(L *lua.LState) int {
		target, ok := luaTarget(L, e)
		if !ok {
			return 0
		}
		kelvin := L.CheckInt(2)
		if err := e.driver.SetColorTemperature(target, uint16(kelvin)); err != nil {
			e.logger.Error("lua: set color temp", "err", err, "target", target, "kelvin", kelvin)
		}
		return 0
	}))

	mod.RawSetString("set_color_rgb", L.NewFunction(func(L *lua.LState) int {
		target, ok := luaTarget(L, e)
		if !ok {
			return 0
		}
		r := L.CheckInt(2)
		g := L.CheckInt(3)
		b := L.CheckInt(4)
		dim := 254
		if L.GetTop() >= 5 {
			dim = L.CheckInt(5)
		}
		if err := e.driver.SetColorRGB(target, uint8(r), uint8(g), uint8(b), uint8(dim)); err != nil {
			e.logger.Error("lua: set color rgb", "err", err, "target", target)
		}
		return 0
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return daliAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.logger.Info("script log", "msg", msg)
		return 0
	}))

	L.SetGlobal("dali", mod)
}

// dali.on_event(filter, callback)
//
// filter keys (all optional): scheme, short_addr, instance.
func daliOnEvent(L *lua.LState, vm *scriptVM) int {
	filterTable := L.CheckTable(1)
	fn := L.CheckFunction(2)

	h := luaEventHandler{
		shortAddr: -1,
		instance:  -1,
		fn:        fn,
	}

	if v := filterTable.RawGetString("scheme"); v != lua.LNil {
		h.scheme = v.String()
	}
	if v := filterTable.RawGetString("short_addr"); v != lua.LNil {
		if n, ok := v.(lua.LNumber); ok {
			h.shortAddr = int(n)
		}
	}
	if v := filterTable.RawGetString("instance"); v != lua.LNil {
		if n, ok := v.(lua.LNumber); ok {
			h.instance = int(n)
		}
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// dali.after(seconds, callback) schedules a one-shot callback on the
// script's own VM goroutine.
func daliAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	if seconds < 0 || seconds > 24*3600 {
		L.ArgError(1, "delay must be 0-86400 seconds")
		return 0
	}

	time.AfterFunc(time.Duration(float64(seconds)*float64(time.Second)), func() {
		select {
		case <-vm.ctx.Done():
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("lua timer callback", "err", err)
			}
		}:
		default:
			e.logger.Warn("script command channel full, dropping timer callback")
		}
	})

	return 0
}

// luaTarget parses argument 1 as a bus target: a short address number,
// or a string like "5", "g3", "all".
func luaTarget(L *lua.LState, e *Engine) (uint8, bool) {
	switch v := L.Get(1).(type) {
	case lua.LNumber:
		n := int(v)
		if n < 0 || n > 63 {
			L.ArgError(1, "short address must be 0-63")
			return 0, false
		}
		return uint8(n), true
	case lua.LString:
		target, err := bridge.ParseTarget(string(v))
		if err != nil {
			L.ArgError(1, err.Error())
			return 0, false
		}
		return target, true
	default:
		L.ArgError(1, "expected address number or target string")
		return 0, false
	}
}
