//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/driver"
)

// registerZWaveModule registers the `zwave` global table in a Lua state.
func registerZWaveModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return zwaveOn(L, vm)
	}))

	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return zwaveSwitch(L, e, true)
	}))

	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return zwaveSwitch(L, e, false)
	}))

	mod.RawSetString("set_value", L.NewFunction(func(L *lua.LState) int {
		return zwaveSetValue(L, e)
	}))

	mod.RawSetString("get_state", L.NewFunction(func(L *lua.LState) int {
		return zwaveGetState(L, e)
	}))

	mod.RawSetString("interview", L.NewFunction(func(L *lua.LState) int {
		return zwaveInterview(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return zwaveAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return zwaveLog(L, e)
	}))

	mod.RawSetString("nodes", L.NewFunction(func(L *lua.LState) int {
		return zwaveNodes(L, e)
	}))

	L.SetGlobal("zwave", mod)
}

const maxHandlersPerScript = 100

// zwave.on(type, filter, callback)
func zwaveOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("node"); v != lua.LNil {
		if n, ok := v.(lua.LNumber); ok {
			h.node = byte(n)
		}
	}
	if v := filterTable.RawGetString("class"); v != lua.LNil {
		if n, ok := v.(lua.LNumber); ok {
			h.class = byte(n)
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

// zwave.turn_on/turn_off(node_id_or_name)
func zwaveSwitch(L *lua.LState, e *Engine, on bool) int {
	nodeID := resolveNode(e, L.CheckAny(1))
	if nodeID == 0 {
		e.logger.Warn("node not found", "target", L.CheckAny(1).String())
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := e.drv.SwitchSet(ctx, nodeID, on)
	if errors.Is(err, driver.ErrNotSupported) {
		var v byte
		if on {
			v = 0xFF
		}
		err = e.drv.BasicSet(ctx, nodeID, v)
	}
	if err != nil {
		e.logger.Error("switch command", "err", err, "node", nodeID, "on", on)
	}
	return 0
}

// zwave.set_value(node_id_or_name, value) sends a Basic Set.
func zwaveSetValue(L *lua.LState, e *Engine) int {
	nodeID := resolveNode(e, L.CheckAny(1))
	value := L.CheckInt(2)
	if nodeID == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.drv.BasicSet(ctx, nodeID, byte(value)); err != nil {
		e.logger.Error("set value", "err", err, "node", nodeID, "value", value)
	}
	return 0
}

// zwave.get_state(node_id_or_name) returns cached handler values as a table.
func zwaveGetState(L *lua.LState, e *Engine) int {
	nodeID := resolveNode(e, L.CheckAny(1))
	node := e.drv.Node(nodeID)
	if node == nil {
		L.Push(lua.LNil)
		return 1
	}

	tbl := L.NewTable()
	if h, ok := node.Handler(cc.ClassSwitchBinary).(*cc.SwitchBinary); ok {
		if v := h.Value(); v != nil {
			tbl.RawSetString("on", lua.LBool(*v != 0))
		}
	}
	if h, ok := node.Handler(cc.ClassBasic).(*cc.Basic); ok {
		if v := h.Value(); v != nil {
			tbl.RawSetString("value", lua.LNumber(*v))
		}
	}
	if h, ok := node.Handler(cc.ClassBattery).(*cc.Battery); ok {
		if level, low := h.Level(); level != nil {
			tbl.RawSetString("battery", lua.LNumber(*level))
			tbl.RawSetString("battery_low", lua.LBool(low))
		}
	}
	if h, ok := node.Handler(cc.ClassMeter).(*cc.Meter); ok {
		if r := h.Reading(); r != nil {
			tbl.RawSetString("meter", lua.LNumber(r.Value))
		}
	}
	L.Push(tbl)
	return 1
}

// zwave.interview(node_id_or_name)
func zwaveInterview(L *lua.LState, e *Engine) int {
	nodeID := resolveNode(e, L.CheckAny(1))
	if nodeID == 0 || e.drv.Node(nodeID) == nil {
		return 0
	}
	e.drv.StartInterview(nodeID)
	return 0
}

// zwave.after(seconds, callback) runs the callback after a delay.
func zwaveAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// zwave.log(msg)
func zwaveLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// zwave.nodes() returns a table of all known nodes.
func zwaveNodes(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, node := range e.drv.Nodes() {
		d := L.NewTable()
		d.RawSetString("id", lua.LNumber(node.ID()))
		if rec, err := e.drv.Store().GetNode(node.ID()); err == nil {
			d.RawSetString("name", lua.LString(rec.FriendlyName))
			d.RawSetString("interviewed", lua.LBool(rec.Interviewed))
		}
		d.RawSetString("state", lua.LString(string(node.State())))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// resolveNode finds a node by ID or friendly name. Returns 0 when unknown.
func resolveNode(e *Engine, target lua.LValue) byte {
	if n, ok := target.(lua.LNumber); ok {
		if n < 1 || n > 232 {
			return 0
		}
		return byte(n)
	}

	name := strings.ToLower(target.String())
	recs, err := e.drv.Store().ListNodes()
	if err != nil {
		return 0
	}
	for _, rec := range recs {
		if strings.ToLower(rec.FriendlyName) == name {
			return rec.ID
		}
	}
	return 0
}
