package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/veilbrowse/torgate/internal/infrastructure/config"
)

// resolveBinary locates the daemon executable. Resolution order: explicit
// override path, bundled binary, system PATH, known install locations.
// The returned lib dir is non-empty only for a bundled binary and must be
// injected into the child's dynamic-linker search path.
func resolveBinary(cfg config.DaemonConfig) (string, string, error) {
	if cfg.BinaryPath != "" {
		if isExecutable(cfg.BinaryPath) {
			return cfg.BinaryPath, "", nil
		}
		return "", "", fmt.Errorf("%w: override path %q is not an executable; point TOR_BINARY at a valid tor binary", ErrBinaryNotFound, cfg.BinaryPath)
	}

	if cfg.BundledDir != "" {
		cand := filepath.Join(cfg.BundledDir, binaryName())
		if isExecutable(cand) {
			return cand, cfg.BundledDir, nil
		}
	}

	if p, err := exec.LookPath(binaryName()); err == nil {
		return p, "", nil
	}

	for _, p := range knownLocations() {
		if isExecutable(p) {
			return p, "", nil
		}
	}

	return "", "", fmt.Errorf("%w: %s", ErrBinaryNotFound, installHint())
}

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "tor.exe"
	}
	return "tor"
}

func knownLocations() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/opt/homebrew/bin/tor",
			"/usr/local/bin/tor",
			"/Applications/Tor Browser.app/Contents/MacOS/Tor/tor",
		}
	case "windows":
		return []string{
			`C:\Program Files\Tor\tor.exe`,
			`C:\Program Files (x86)\Tor\tor.exe`,
		}
	default:
		return []string{
			"/usr/bin/tor",
			"/usr/local/bin/tor",
			"/usr/sbin/tor",
		}
	}
}

func installHint() string {
	switch runtime.GOOS {
	case "darwin":
		return "install with 'brew install tor' or set TOR_BINARY to an existing tor executable"
	case "windows":
		return "install the Tor Expert Bundle or set TOR_BINARY to an existing tor.exe"
	default:
		return "install with 'apt install tor' (or your distribution's equivalent) or set TOR_BINARY to an existing tor executable"
	}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

// libraryPathVar names the dynamic-linker search path variable for the
// current platform, or "" when none applies.
func libraryPathVar() string {
	switch runtime.GOOS {
	case "linux":
		return "LD_LIBRARY_PATH"
	case "darwin":
		return "DYLD_LIBRARY_PATH"
	default:
		return ""
	}
}

// processEnv builds the child environment, prepending the bundled library
// directory to the linker search path when a bundled binary is used.
func processEnv(bundledLibDir string) []string {
	env := os.Environ()
	if bundledLibDir == "" {
		return env
	}
	key := libraryPathVar()
	if key == "" {
		return env
	}

	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + bundledLibDir + string(os.PathListSeparator) + kv[len(prefix):]
			return env
		}
	}
	return append(env, prefix+bundledLibDir)
}
