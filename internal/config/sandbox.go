package config

import (
	lua "github.com/yuin/gopher-lua"
)

// unsafeGlobals are removed before the config runs. The os, io and debug
// libraries reach outside the VM; the loaders pull in external code.
var unsafeGlobals = []string{
	"os",
	"io",
	"debug",
	"require",
	"module",
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"collectgarbage",
}

// newSandboxedVM creates a Lua VM for evaluating a config file.
// string, table and math stay available along with the basic functions.
func newSandboxedVM() *lua.LState {
	L := lua.NewState(lua.Options{
		CallStackSize:       256,
		RegistrySize:        1024 * 20,
		IncludeGoStackTrace: false,
	})
	for _, name := range unsafeGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}
