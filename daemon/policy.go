package daemon

import "strings"

// mutatingFlags are the options whose invocations are executed by the daemon.
var mutatingFlags = map[string]bool{
	"-e": true, "--edit-dockerfile": true,
	"-E": true, "--edit-service": true,
	"-ed": true, "--edit-entrypoint": true,
	"-ef": true, "--edit-file": true,
	"-n": true, "--new": true,
	"-rm": true, "--remove-service": true,
	"-rn": true, "--rename-service": true,
	"-dd": true, "--duplicate-service": true,
	"-cs": true, "--copy-service": true,
	"-cd": true, "--copy-dockerfile": true,
	"-sd": true, "--set-dockerfile": true,
}

// skipFlags keep an invocation local even when it also mutates.
var skipFlags = map[string]bool{
	"-h": true, "--help": true,
	"-v": true, "--version": true,
}

func flagName(arg string) string {
	if strings.HasPrefix(arg, "-") {
		if i := strings.IndexByte(arg, '='); i > 0 {
			return arg[:i]
		}
	}
	return arg
}

// ShouldForward reports whether args contain a mutating option and no help or
// version option.
func ShouldForward(args []string) bool {
	mutating := false
	for _, arg := range args {
		name := flagName(arg)
		if skipFlags[name] {
			return false
		}
		if mutatingFlags[name] {
			mutating = true
		}
	}
	return mutating
}

// IsActive decides whether daemon mode is in effect: enabled in configuration
// or a daemon is already running.
func IsActive(configured bool, running func() bool) bool {
	return configured || running()
}
