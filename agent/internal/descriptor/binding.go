package descriptor

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	shlex "github.com/anmitsu/go-shlex"
	"github.com/coreos/go-systemd/v22/unit"
	"howett.net/plist"
)

// Binding is what a registered artifact says the tunnel connects to.
type Binding struct {
	Known    bool
	User     string
	Host     string
	Port     int
	BindPort int
}

func (b Binding) String() string {
	if !b.Known {
		return "unknown"
	}
	target := b.Host
	if b.User != "" {
		target = b.User + "@" + target
	}
	if b.Port != 0 {
		target += ":" + strconv.Itoa(b.Port)
	}
	if b.BindPort != 0 {
		target += fmt.Sprintf(" (bind 127.0.0.1:%d)", b.BindPort)
	}
	return target
}

// ExtractBinding reads the ssh target back out of a registered artifact: a
// systemd unit, a launchd plist, or a bare command line. It never fails;
// anything it cannot read yields an unknown binding.
func ExtractBinding(artifact []byte) Binding {
	argv := artifactArgs(artifact)
	if len(argv) == 0 {
		return Binding{}
	}
	return bindingFromArgs(argv)
}

// UsesKeepAwake reports whether the program registered in artifact runs
// under a sleep-prevention wrapper. An artifact it cannot read is assumed
// to.
func UsesKeepAwake(artifact []byte) bool {
	argv := artifactArgs(artifact)
	if len(argv) == 0 {
		return true
	}
	for _, a := range argv {
		switch filepath.Base(a) {
		case "caffeinate", "systemd-inhibit":
			return true
		case "ssh", "autossh":
			return false
		}
	}
	return false
}

func artifactArgs(artifact []byte) []string {
	trimmed := bytes.TrimSpace(artifact)
	switch {
	case len(trimmed) == 0:
		return nil
	case bytes.Contains(trimmed, []byte("<plist")) || bytes.HasPrefix(trimmed, []byte("bplist")):
		var job struct {
			ProgramArguments []string `plist:"ProgramArguments"`
		}
		if _, err := plist.Unmarshal(artifact, &job); err != nil {
			return nil
		}
		return job.ProgramArguments
	case bytes.Contains(trimmed, []byte("[Service]")):
		opts, err := unit.DeserializeOptions(bytes.NewReader(artifact))
		if err != nil {
			return nil
		}
		for _, o := range opts {
			if o.Section == "Service" && o.Name == "ExecStart" {
				return splitCommand(strings.ReplaceAll(o.Value, "%%", "%"))
			}
		}
		return nil
	default:
		return splitCommand(string(trimmed))
	}
}

func splitCommand(s string) []string {
	argv, err := shlex.Split(s, true)
	if err != nil {
		return strings.Fields(s)
	}
	return argv
}

func bindingFromArgs(argv []string) Binding {
	start, sawSSH := 0, false
	for i, a := range argv {
		if base := filepath.Base(a); base == "ssh" || base == "autossh" {
			start, sawSSH = i+1, true
			break
		}
	}

	var b Binding
	args := argv[start:]
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-p" && i+1 < len(args):
			i++
			b.Port, _ = strconv.Atoi(args[i])
		case a == "-R" && i+1 < len(args):
			i++
			b.BindPort = bindPort(args[i])
		case len(a) == 2 && a[0] == '-' && strings.ContainsRune("oiFlLDJEcmMSWBQbew", rune(a[1])):
			i++
		case strings.HasPrefix(a, "-"):
		default:
			user, host, ok := strings.Cut(a, "@")
			if !ok {
				if !sawSSH {
					continue
				}
				host, user = a, ""
			}
			if host != "" && b.Host == "" {
				b.User, b.Host = user, host
			}
		}
	}
	b.Known = b.Host != ""
	return b
}

// bindPort extracts the listening port from a -R forward argument of the form
// [bind_address:]port:host:hostport.
func bindPort(arg string) int {
	parts := strings.Split(arg, ":")
	switch len(parts) {
	case 4:
		n, _ := strconv.Atoi(parts[1])
		return n
	case 3:
		n, _ := strconv.Atoi(parts[0])
		return n
	default:
		return 0
	}
}
