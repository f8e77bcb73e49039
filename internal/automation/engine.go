package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"dali-go-home/internal/dali"

	lua "github.com/yuin/gopher-lua"
)

// luaEventHandler is a registered Lua callback with its match filter.
type luaEventHandler struct {
	scheme    string // filter: only match this scheme name (empty = any)
	shortAddr int    // filter: only match this short address (-1 = any)
	instance  int    // filter: only match this instance number (-1 = any)
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine manages Lua VMs and routes decoded bus events to scripts.
type Engine struct {
	driver  *dali.Driver
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(driver *dali.Driver, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		driver:  driver,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to driver events and loads all scripts from disk.
func (e *Engine) Start() error {
	e.unsub = e.driver.OnEvent(func(ev dali.Event) {
		e.dispatchEvent(ev)
	})

	scripts, err := e.manager.List()
	if err != nil {
		return fmt.Errorf("load scripts: %w", err)
	}

	for _, s := range scripts {
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.logger.Info("automation engine started", "scripts", len(e.vms))
	return nil
}

// Stop cancels all VMs and unsubscribes from the driver.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}

	if e.unsub != nil {
		e.unsub()
	}

	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the old VM (if any) and starts a fresh one from disk.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())

	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove dangerous libs and functions.
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerDaliModule(L, vm, e)

	// Execute the script top level to register handlers.
	if err := L.DoString(s.Source); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	// Command loop goroutine owns the LState; exits when context is cancelled.
	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID)
	return nil
}

// dispatchEvent routes a decoded bus event to all matching Lua handlers.
func (e *Engine) dispatchEvent(ev dali.Event) {
	e.mu.Lock()
	vmsCopy := make([]*scriptVM, 0, len(e.vms))
	for _, v := range e.vms {
		vmsCopy = append(vmsCopy, v)
	}
	e.mu.Unlock()

	for _, vm := range vmsCopy {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, ev) {
				continue
			}

			fn := h.fn
			select {
			case <-vm.ctx.Done():
				// VM stopped, skip remaining handlers.
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, ev)
			}:
			default:
				e.logger.Warn("script command channel full, dropping event")
			}
		}
	}
}

func matchesHandler(h luaEventHandler, ev dali.Event) bool {
	if h.scheme != "" && h.scheme != ev.Scheme.String() {
		return false
	}
	if h.shortAddr >= 0 {
		switch ev.Scheme {
		case dali.SchemeDevice, dali.SchemeDeviceInstance:
			if int(ev.ShortAddr) != h.shortAddr {
				return false
			}
		default:
			// Addressing scheme carries no short address; filter cannot match.
			return false
		}
	}
	if h.instance >= 0 {
		switch ev.Scheme {
		case dali.SchemeDeviceInstance, dali.SchemeInstance:
			if int(ev.InstanceNumber) != h.instance {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, ev dali.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventToLua(L, ev)); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// eventToLua builds the Lua table passed to event handlers.
func eventToLua(L *lua.LState, ev dali.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("scheme", lua.LString(ev.Scheme.String()))
	t.RawSetString("info", lua.LNumber(ev.Info))
	t.RawSetString("raw", lua.LNumber(ev.Raw))
	switch ev.Scheme {
	case dali.SchemeDevice:
		t.RawSetString("short_addr", lua.LNumber(ev.ShortAddr))
		t.RawSetString("instance_type", lua.LString(ev.InstanceType.String()))
	case dali.SchemeDeviceInstance:
		t.RawSetString("short_addr", lua.LNumber(ev.ShortAddr))
		t.RawSetString("instance", lua.LNumber(ev.InstanceNumber))
	case dali.SchemeDeviceGroup:
		t.RawSetString("device_group", lua.LNumber(ev.DeviceGroup))
		t.RawSetString("instance_type", lua.LString(ev.InstanceType.String()))
	case dali.SchemeInstance:
		t.RawSetString("instance_type", lua.LString(ev.InstanceType.String()))
		t.RawSetString("instance", lua.LNumber(ev.InstanceNumber))
	case dali.SchemeInstanceGroup:
		t.RawSetString("instance_group", lua.LNumber(ev.InstanceGroup))
		t.RawSetString("instance_type", lua.LString(ev.InstanceType.String()))
	}
	return t
}
