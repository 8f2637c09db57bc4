// Package config loads elm's Lua configuration and resolves the on-disk
// layout under the data directory.
//
// # Configuration file
//
// The file is $ELM_CONFIG_DIR/config.lua (default ~/.config/elm/config.lua).
// It runs in a gopher-lua VM with the os, io, debug and module-loading
// globals removed, and with a read-only platform table injected:
//
//	elm = {
//	  data_dir = "~/Games/elm",
//	  feed = { asset = "*.tar.gz", token_env = "GITHUB_TOKEN" },
//	  engine = {
//	    policy = "at_least",
//	    version = "GE-Proton9-20",
//	    keep = 2,
//	  },
//	  prefix = {
//	    env = { DXVK_ASYNC = "1", PROTON_ENABLE_NVAPI = platform.when(platform.is_steamos, "0") },
//	  },
//	  log = { level = "info" },
//	}
//
// A missing file yields Defaults. Unknown keys are ignored; keys of the
// wrong type are a ParseError.
//
// # Layout
//
// Paths describes the directories under the data directory: engines,
// prefixes, snapshots, downloads, locks and journal.
package config
