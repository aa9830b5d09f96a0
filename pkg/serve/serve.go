// Package serve decides how a wsserver.Server obtains its net.Listener
// without the caller branding itself "I am running under systemd": the
// dispatcher probes for the capability it actually needs (an inherited
// socket-activation fd, or nothing special) rather than checking a
// brand string. An explicit WSKIT_RUNTIME override bypasses probing;
// production processes fail hard on ambiguity instead of guessing.
package serve

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Kind identifies which listener strategy was selected.
type Kind string

const (
	// KindStandard opens a plain TCP listener via net.Listen. This is the
	// default when no other capability is detected.
	KindStandard Kind = "standard"
	// KindSystemdSocket adopts a socket the init system already bound and
	// passed down via LISTEN_FDS, skipping the bind/listen syscalls
	// entirely (zero-downtime restarts).
	KindSystemdSocket Kind = "systemd-socket"
)

// EnvOverride is the environment variable that force-selects a Kind
// instead of running the capability probes; only the named Kind's own
// capability is checked. It is mandatory in production (see
// ErrExplicitRequired).
const EnvOverride = "WSKIT_RUNTIME"

// EnvProduction, when set to "1", "true" or "yes", makes Select fatal
// where development carries on: a missing override returns
// ErrExplicitRequired instead of probing, and an override naming an
// unavailable capability returns ErrUnavailable instead of falling back
// to KindStandard -- a production process never silently downgrades its
// listener strategy.
const EnvProduction = "WSKIT_PRODUCTION"

// ErrAmbiguous is returned when more than one capability probe succeeds
// and EnvOverride was not set to disambiguate.
var ErrAmbiguous = fmt.Errorf("serve: more than one runtime capability detected; set %s to disambiguate", EnvOverride)

// ErrUnavailable is returned when EnvOverride names a Kind whose
// capability probe does not actually succeed in this process.
var ErrUnavailable = fmt.Errorf("serve: requested runtime is not available in this process")

// ErrExplicitRequired is returned in production when EnvOverride is not
// set: auto-detection is a development convenience only, and a
// production process must name its runtime instead of guessing.
var ErrExplicitRequired = fmt.Errorf("serve: %s must be set explicitly in production", EnvOverride)

// LoadDevEnv loads a .env file via godotenv for local development. It is
// a no-op (not an error) when the file does not exist, although
// godotenv.Load itself reports that case as an error; production
// deployments are expected to
// set real environment variables instead of shipping a .env file.
func LoadDevEnv(filenames ...string) error {
	err := godotenv.Load(filenames...)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// probe reports whether a given Kind's capability is actually present in
// this process.
type probe struct {
	kind  Kind
	check func() bool
}

func probes() []probe {
	return []probe{
		{kind: KindSystemdSocket, check: hasSystemdSocket},
	}
}

// hasSystemdSocket reports whether this process was launched by systemd
// socket activation: LISTEN_PID must match our pid and LISTEN_FDS must
// be a positive integer, per sd_listen_fds(3).
func hasSystemdSocket() bool {
	pidStr := os.Getenv("LISTEN_PID")
	fdsStr := os.Getenv("LISTEN_FDS")
	if pidStr == "" || fdsStr == "" {
		return false
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid != os.Getpid() {
		return false
	}
	n, err := strconv.Atoi(fdsStr)
	return err == nil && n > 0
}

func isProduction() bool {
	v := os.Getenv(EnvProduction)
	return v == "1" || v == "true" || v == "yes"
}

// Select runs the capability probes (or honors EnvOverride) and returns
// the Kind a Server should build its listener with. In production
// (EnvProduction set) the override is mandatory and a requested-but-
// absent capability is fatal; in development, probing fills in for a
// missing override and unavailable capabilities fall back to
// KindStandard quietly.
func Select() (Kind, error) {
	if override := os.Getenv(EnvOverride); override != "" {
		kind := Kind(override)
		if kind == KindSystemdSocket && !hasSystemdSocket() {
			if isProduction() {
				return "", ErrUnavailable
			}
			return KindStandard, nil
		}
		return kind, nil
	}

	if isProduction() {
		return "", ErrExplicitRequired
	}

	var matched []Kind
	for _, p := range probes() {
		if p.check() {
			matched = append(matched, p.kind)
		}
	}

	switch len(matched) {
	case 0:
		return KindStandard, nil
	case 1:
		return matched[0], nil
	default:
		return "", ErrAmbiguous
	}
}

// Listener builds a net.Listener for kind, bound to addr when kind does
// not supply its own socket.
func Listener(kind Kind, addr string) (net.Listener, error) {
	switch kind {
	case KindSystemdSocket:
		return systemdListener()
	case KindStandard, "":
		return net.Listen("tcp", addr)
	default:
		return nil, fmt.Errorf("serve: unknown runtime kind %q", kind)
	}
}

// systemdListener adopts the first inherited file descriptor as a
// net.Listener. Socket-activated fds start at 3 per sd_listen_fds(3) (0,
// 1, 2 are stdio).
func systemdListener() (net.Listener, error) {
	const firstFD = 3
	f := os.NewFile(uintptr(firstFD), "systemd-socket")
	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("serve: adopting systemd socket: %w", err)
	}
	return l, nil
}
