//go:build !windows

package main

import "syscall"

// startDetachedProxyProcess 以新会话拉起前台模式的子进程，终端关闭时不会收到 SIGHUP。
func startDetachedProxyProcess(args []string) error {
	c, cleanup, err := detachedCommand(args)
	if err != nil {
		return err
	}
	defer cleanup()
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return c.Start()
}
