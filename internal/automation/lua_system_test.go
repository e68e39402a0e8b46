//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine() *Engine {
	return &Engine{
		logger:      testLogger(),
		systemCfg:   SystemConfig{},
		telegramCfg: TelegramConfig{},
	}
}

func newSystemState(t *testing.T, e *Engine) *lua.LState {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	registerSystemModule(L, e)
	return L
}

func TestSystemDatetimeReturnsNumber(t *testing.T) {
	L := newSystemState(t, newTestEngine())

	for _, comp := range []string{"hour", "minute", "second", "weekday", "day", "month", "year", "timestamp"} {
		L.SetGlobal("_comp", lua.LString(comp))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q) error: %v", comp, err)
		}
		if result := L.GetGlobal("_result"); result.Type() != lua.LTNumber {
			t.Errorf("system.datetime(%q) type = %v, want LTNumber", comp, result.Type())
		}
	}
}

func TestSystemDatetimeReturnsString(t *testing.T) {
	L := newSystemState(t, newTestEngine())

	for _, comp := range []string{"time_str", "date_str"} {
		L.SetGlobal("_comp", lua.LString(comp))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q) error: %v", comp, err)
		}
		if result := L.GetGlobal("_result"); result.Type() != lua.LTString {
			t.Errorf("system.datetime(%q) type = %v, want LTString", comp, result.Type())
		}
	}
}

func TestSystemDatetimeHourRange(t *testing.T) {
	L := newSystemState(t, newTestEngine())

	if err := L.DoString(`_hour = system.datetime("hour")`); err != nil {
		t.Fatal(err)
	}
	hour := int(L.GetGlobal("_hour").(lua.LNumber))
	if hour < 0 || hour > 23 {
		t.Errorf("hour = %d, want 0-23", hour)
	}
}

func checkTimeBetween(t *testing.T, L *lua.LState, from, to int, want lua.LValue) {
	t.Helper()
	L.SetGlobal("_from", lua.LNumber(from))
	L.SetGlobal("_to", lua.LNumber(to))
	if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
		t.Fatal(err)
	}
	if result := L.GetGlobal("_result"); result != want {
		t.Errorf("time_between(%d, %d) at hour %d = %v, want %v", from, to, time.Now().Hour(), result, want)
	}
}

func TestSystemTimeBetweenNormalRange(t *testing.T) {
	L := newSystemState(t, newTestEngine())

	hour := time.Now().Hour()
	from := hour
	to := hour + 1
	if to > 23 {
		to = 0
	}
	checkTimeBetween(t, L, from, to, lua.LTrue)
}

func TestSystemTimeBetweenMidnightWrap(t *testing.T) {
	L := newSystemState(t, newTestEngine())

	// Build a wrapping range (from > to) that contains the current hour.
	hour := time.Now().Hour()
	from := (hour + 20) % 24
	to := (hour + 16) % 24
	checkTimeBetween(t, L, from, to, lua.LTrue)
}

func TestSystemTimeBetweenOutsideRange(t *testing.T) {
	L := newSystemState(t, newTestEngine())

	// A two-hour range starting two hours from now never contains the
	// current hour, whichever side of midnight it lands on.
	hour := time.Now().Hour()
	from := (hour + 2) % 24
	to := (hour + 4) % 24
	if from > to {
		// Wrapping form of the same window.
		checkTimeBetween(t, L, from, to, lua.LFalse)
		return
	}
	checkTimeBetween(t, L, from, to, lua.LFalse)
}

func TestSystemExecBlockedWhenAllowlistEmpty(t *testing.T) {
	L := newSystemState(t, newTestEngine())

	if err := L.DoString(`_result = system.exec("ls")`); err != nil {
		t.Fatal(err)
	}
	if s, ok := L.GetGlobal("_result").(lua.LString); !ok || string(s) != "" {
		t.Errorf("exec with empty allowlist returned %q, want empty string", s)
	}
}

func TestSystemExecBlockedNotInAllowlist(t *testing.T) {
	e := newTestEngine()
	e.systemCfg.ExecAllowlist = []string{"/usr/bin/echo"}
	L := newSystemState(t, e)

	if err := L.DoString(`_result = system.exec("/usr/bin/ls")`); err != nil {
		t.Fatal(err)
	}
	if s, ok := L.GetGlobal("_result").(lua.LString); !ok || string(s) != "" {
		t.Errorf("exec with non-allowlisted cmd returned %q, want empty string", s)
	}
}

func TestSystemExecAllowed(t *testing.T) {
	e := newTestEngine()
	e.systemCfg.ExecAllowlist = []string{"/bin/echo"}
	e.systemCfg.ExecTimeout = 5 * time.Second
	L := newSystemState(t, e)

	if err := L.DoString(`_result = system.exec("/bin/echo hello")`); err != nil {
		t.Fatal(err)
	}
	s, ok := L.GetGlobal("_result").(lua.LString)
	if !ok {
		t.Fatalf("exec returned type %v, want LTString", L.GetGlobal("_result").Type())
	}
	if string(s) != "hello\n" {
		t.Errorf("exec returned %q, want %q", string(s), "hello\n")
	}
}

func TestTelegramSendNoConfig(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	registerTelegramModule(L, newTestEngine())

	// Must not panic with empty config.
	if err := L.DoString(`telegram.send("test")`); err != nil {
		t.Fatal(err)
	}
}
