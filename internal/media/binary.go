package media

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Where a resolved binary was found.
const (
	SourceCandidate = "candidate"
	SourceSidecar   = "sidecar"
	SourcePath      = "path"
	SourceFallback  = "fallback"
)

// Binary reports which executable will be run for a tool name.
type Binary struct {
	Name      string
	Command   string
	Source    string
	Available bool
}

// ResolveBinary picks the executable for name. Deployment-local candidates
// are probed first in order, then a sidecar next to the running executable,
// then the PATH. When nothing is found the bare name is returned so the
// failure surfaces at execution time.
func ResolveBinary(name string, candidates []string) Binary {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if isExecutableFile(c) {
			return Binary{Name: name, Command: c, Source: SourceCandidate, Available: true}
		}
	}

	if exe, err := os.Executable(); err == nil {
		sidecar := filepath.Join(filepath.Dir(exe), executableName(name))
		if isExecutableFile(sidecar) {
			return Binary{Name: name, Command: sidecar, Source: SourceSidecar, Available: true}
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return Binary{Name: name, Command: p, Source: SourcePath, Available: true}
	}

	return Binary{Name: name, Command: name, Source: SourceFallback}
}

func executableName(name string) string {
	if runtime.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
