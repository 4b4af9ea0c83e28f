package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/matheus3301/anomess/internal/lock"
	"github.com/matheus3301/anomess/internal/profile"
)

// ProfileInfo describes one profile and whether a daemon owns it.
type ProfileInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Active  bool   `json:"active"`
	Running bool   `json:"daemon_running"`
	PID     int    `json:"pid,omitempty"`
}

func inspectProfile(name, active string) (ProfileInfo, error) {
	pid, err := lock.Holder(profile.LockPath(name))
	if err != nil {
		return ProfileInfo{}, err
	}
	return ProfileInfo{
		Name:    name,
		Path:    profile.Dir(name),
		Active:  name == active,
		Running: pid != 0,
		PID:     pid,
	}, nil
}

// runLockFree handles the commands that only inspect profiles and so must work
// while the daemon holds the lock. It reports whether cmd was one of them.
func runLockFree(out io.Writer, jsonOut bool, cmd, active string) (bool, error) {
	switch cmd {
	case "status":
		info, err := inspectProfile(active, active)
		if err != nil {
			return true, err
		}
		if jsonOut {
			return true, writeJSON(out, info)
		}
		state := "stopped"
		if info.Running {
			state = fmt.Sprintf("running (pid %d)", info.PID)
		}
		_, err = fmt.Fprintf(out, "Profile: %s\nPath:    %s\nDaemon:  %s\n", info.Name, info.Path, state)
		return true, err
	case "profiles":
		names, err := profile.List()
		if err != nil {
			return true, err
		}
		infos := []ProfileInfo{}
		for _, n := range names {
			info, err := inspectProfile(n, active)
			if err != nil {
				return true, err
			}
			infos = append(infos, info)
		}
		if jsonOut {
			return true, writeJSON(out, infos)
		}
		if len(infos) == 0 {
			_, err := fmt.Fprintln(out, "No profiles found.")
			return true, err
		}
		for _, info := range infos {
			mark := " "
			if info.Active {
				mark = "*"
			}
			state := "stopped"
			if info.Running {
				state = "running"
			}
			if _, err := fmt.Fprintf(out, "%s %-20s %s (%s)\n", mark, info.Name, info.Path, state); err != nil {
				return true, err
			}
		}
		return true, nil
	}
	return false, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	return nil
}
