//go:build windows

package main

import "syscall"

// startDetachedProxyProcess 在 Windows 上以脱离控制台的方式启动代理子进程。
func startDetachedProxyProcess(args []string) error {
	c, cleanup, err := detachedCommand(args)
	if err != nil {
		return err
	}
	defer cleanup()
	c.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | syscall.DETACHED_PROCESS,
		HideWindow:    true,
	}
	return c.Start()
}
