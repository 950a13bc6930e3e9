package descriptor

import (
	"fmt"

	"howett.net/plist"

	"nat-tunnel/agent/internal/endpoint"
)

type launchdJob struct {
	Label                string            `plist:"Label"`
	ProgramArguments     []string          `plist:"ProgramArguments"`
	EnvironmentVariables map[string]string `plist:"EnvironmentVariables,omitempty"`
	RunAtLoad            bool              `plist:"RunAtLoad"`
	KeepAlive            any               `plist:"KeepAlive"`
	ThrottleInterval     int               `plist:"ThrottleInterval,omitempty"`
	StandardOutPath      string            `plist:"StandardOutPath,omitempty"`
	StandardErrorPath    string            `plist:"StandardErrorPath,omitempty"`
	WorkingDirectory     string            `plist:"WorkingDirectory,omitempty"`
	ProcessType          string            `plist:"ProcessType"`
}

// LaunchdPlist renders d as a launchd job definition.
func LaunchdPlist(d Descriptor) ([]byte, error) {
	var keepAlive any = true
	if d.RestartPolicy == endpoint.RestartOnFailure {
		cond := map[string]bool{"SuccessfulExit": false}
		if d.RequireNetwork {
			cond["NetworkState"] = true
		}
		keepAlive = cond
	}

	job := launchdJob{
		Label:                d.Label,
		ProgramArguments:     d.Program,
		EnvironmentVariables: d.Env,
		RunAtLoad:            true,
		KeepAlive:            keepAlive,
		ThrottleInterval:     int(d.Throttle.Seconds()),
		StandardOutPath:      d.StdoutPath,
		StandardErrorPath:    d.StderrPath,
		WorkingDirectory:     d.WorkingDir,
		ProcessType:          "Background",
	}
	data, err := plist.MarshalIndent(job, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("encode plist %s: %w", d.Label, err)
	}
	return data, nil
}
