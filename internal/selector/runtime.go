package selector

import (
	"os"
	"runtime"
	"strings"
)

// Runtime is the host environment the process runs in.
type Runtime string

const (
	RuntimeDarwin  Runtime = "darwin"
	RuntimeLinux   Runtime = "linux"
	RuntimeWindows Runtime = "windows"
	RuntimeTest    Runtime = "test"
)

// RuntimeEnv overrides runtime detection.
const RuntimeEnv = "SEEDVAULT_RUNTIME"

// DetectRuntime returns the host runtime. SEEDVAULT_RUNTIME wins when it
// names a known runtime; unknown operating systems are treated as linux.
func DetectRuntime() Runtime {
	if v := strings.ToLower(strings.TrimSpace(os.Getenv(RuntimeEnv))); v != "" {
		switch rt := Runtime(v); rt {
		case RuntimeDarwin, RuntimeLinux, RuntimeWindows, RuntimeTest:
			return rt
		}
	}
	switch runtime.GOOS {
	case "darwin":
		return RuntimeDarwin
	case "windows":
		return RuntimeWindows
	}
	return RuntimeLinux
}

// Candidates lists the backend types worth registering on rt, most trusted
// first. Remote stores (vault, s3) are never implied; they must be
// configured explicitly.
func Candidates(rt Runtime) []string {
	switch rt {
	case RuntimeDarwin:
		return []string{"keychain", "file"}
	case RuntimeTest:
		return []string{"memory"}
	}
	return []string{"file"}
}
