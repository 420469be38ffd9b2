//go:build linux

package sandbox

// Hidden subcommand names cmd/coopd dispatches to before cobra ever parses
// argv, avoiding fork()/unshare() in a multithreaded Go process by reexecing
// the binary instead.
const (
	ReexecInit  = "__sandbox_init"
	ReexecEnter = "__sandbox_enter"
)

// MaybeReexec inspects argv[1] and, if it names one of the hidden sandbox
// helper subcommands, runs it and never returns (the helper always calls
// os.Exit). Callers invoke this first thing in main().
func MaybeReexec(argv []string) {
	if len(argv) < 2 {
		return
	}
	switch argv[1] {
	case ReexecInit:
		SandboxInit()
	case ReexecEnter:
		SandboxEnter()
	}
}
