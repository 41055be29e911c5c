package main

import (
	"os"
	"os/exec"
)

// detachedArgs turns the current command line into the child's: the same command and
// flags, forced into the foreground.
func detachedArgs(args []string) []string {
	out := make([]string, 0, len(args)+2)
	hasStart := false
	for _, a := range args {
		if a == "--foreground" || a == "--foreground=false" {
			continue
		}
		if a == "start" {
			hasStart = true
		}
		out = append(out, a)
	}
	if !hasStart {
		out = append(out, "start")
	}
	return append(out, "--foreground")
}

func detachedCommand(args []string) (*exec.Cmd, func(), error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, err
	}
	c := exec.Command(exe, detachedArgs(args)...)
	c.Env = os.Environ()

	// 子进程不再持有终端：日志写入配置中的 log.file，stdout/stderr 丢弃。
	cleanup := func() {}
	if devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0); err == nil {
		c.Stdin = devNull
		c.Stdout = devNull
		c.Stderr = devNull
		cleanup = func() { _ = devNull.Close() }
	}
	return c, cleanup, nil
}
