package client

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/guseggert/pipes/config"
)

// Flags the launch command injects or looks for in Settings.ExtraArgs.
const (
	FlagSearchPath = "--search-path"
	FlagHeadless   = "--headless"
	FlagExitOnOOM  = "--exit-on-oom"
	FlagLogOutput  = "--log-output"
)

type argScan struct {
	searchPath bool
	headless   bool
	exitOnOOM  bool
	logOutput  bool
}

func scanArgs(args []string) argScan {
	var s argScan
	for _, arg := range args {
		switch {
		case arg == FlagSearchPath, strings.HasPrefix(arg, FlagSearchPath+"="), arg == "-cp", arg == "--classpath":
			s.searchPath = true
		case strings.HasPrefix(arg, FlagHeadless):
			s.headless = true
		case arg == FlagExitOnOOM:
			s.exitOnOOM = true
		case strings.HasPrefix(arg, FlagLogOutput):
			s.logOutput = true
		}
	}
	return s
}

// CommandLine builds the worker's argument vector, argv[0] included.
// Injected flags come first, then s.ExtraArgs verbatim, then the entry point and its positional arguments.
// Only batching clients pass batched=true; everyone else sends a batch threshold of 0.
func CommandLine(s *config.Settings, batched bool) ([]string, error) {
	scan := scanArgs(s.ExtraArgs)

	argv := []string{escapeCommandLine(s.RuntimePath)}
	if !scan.searchPath {
		searchPath := s.SearchPath
		if searchPath == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("resolving default search path: %w", err)
			}
			searchPath = filepath.Dir(exe)
		}
		argv = append(argv, FlagSearchPath, searchPath)
	}
	if !scan.headless {
		argv = append(argv, FlagHeadless)
	}
	// stdout carries the protocol, so worker logs must go elsewhere
	if !scan.logOutput {
		argv = append(argv, FlagLogOutput+"=stderr")
	}
	argv = append(argv, s.ExtraArgs...)

	configPath, err := filepath.Abs(s.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("resolving worker config path: %w", err)
	}
	batchBytes := "0"
	if batched {
		batchBytes = strconv.FormatInt(s.MaxForEmitBatchBytes, 10)
	}
	argv = append(argv,
		s.EntryPoint,
		escapeCommandLine(configPath),
		batchBytes,
		strconv.FormatInt(s.Timeout.Milliseconds(), 10),
		strconv.FormatInt(s.ShutdownClientAfter.Milliseconds(), 10),
	)
	return argv, nil
}

// HasExitOnOOM reports whether the worker will exit with a recognizable code when it runs out of memory.
func HasExitOnOOM(s *config.Settings) bool {
	return scanArgs(s.ExtraArgs).exitOnOOM
}

func escapeCommandLine(arg string) string {
	if runtime.GOOS != "windows" || !strings.Contains(arg, " ") {
		return arg
	}
	if strings.HasPrefix(arg, `"`) && strings.HasSuffix(arg, `"`) {
		return arg
	}
	return `"` + arg + `"`
}
