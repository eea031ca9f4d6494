// Copyright 2026 The bados Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"bados.dev/pkg/internal/osutil"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// namespaceFlags are the namespaces every build process is placed in.
const namespaceFlags = unix.CLONE_NEWNS |
	unix.CLONE_NEWUTS |
	unix.CLONE_NEWIPC |
	unix.CLONE_NEWPID |
	unix.CLONE_NEWNET |
	unix.CLONE_NEWCGROUP

// buildUID and buildGID are the host IDs of the conventional "nobody" user.
// Builders run as them when this process is root
// and no user namespace is used.
const (
	buildUID = 65534
	buildGID = 65534
)

// Run executes init with args inside the sandbox.
// The process is confined to the sandbox with chroot,
// placed in new mount, UTS, IPC, PID, network, and cgroup namespaces,
// and given exactly the sandbox's environment.
// Any failure to start or a non-zero exit status is returned as a [*BuildFailedError].
func (sb *Sandbox) Run(ctx context.Context, init string, args []string, opts *RunOptions) error {
	if opts == nil {
		opts = new(RunOptions)
	}
	builder := sandboxPath(init)
	log.Infof(ctx, "Executing %s", init)
	c := exec.CommandContext(ctx, builder, args...)
	setCancelFunc(c)
	c.Env = make([]string, 0, len(sb.Env))
	for _, v := range sb.Env {
		log.Debugf(ctx, "%s: %s", v.Key, v.Value)
		c.Env = append(c.Env, v.String())
	}
	c.Dir = "/"
	c.Stdout = opts.Stdout
	c.Stderr = opts.Stderr
	c.SysProcAttr = sysProcAttr(sb.Dir, opts.UserNamespace)
	if c.SysProcAttr.Cloneflags&unix.CLONE_NEWUSER != 0 {
		log.Debugf(ctx, "Running %s in a user namespace", init)
	}
	if cred := c.SysProcAttr.Credential; cred != nil {
		log.Debugf(ctx, "Running %s as uid %d", init, cred.Uid)
		if err := os.Chown(sb.OutputDir, int(cred.Uid), int(cred.Gid)); err != nil {
			return &BuildFailedError{Init: init, Err: err}
		}
	}
	if err := c.Run(); err != nil {
		return &BuildFailedError{Init: init, Err: err}
	}
	return nil
}

// sysProcAttr returns the process attributes of a build process
// confined to the given root directory.
// A build process never holds privileges over its own mounts:
// either its user namespace locks the inherited read-only mounts
// or it runs as the unprivileged build user.
func sysProcAttr(root string, mode UserNamespaceMode) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Chroot:     root,
		Cloneflags: namespaceFlags,
		Pdeathsig:  syscall.SIGKILL,
	}
	switch {
	case useUserNamespace(mode):
		// Map the caller to root inside the namespace.
		attr.Cloneflags |= unix.CLONE_NEWUSER
		attr.UidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		}
		attr.GidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		}
	case osutil.IsRoot():
		attr.Credential = &syscall.Credential{
			Uid:    buildUID,
			Gid:    buildGID,
			Groups: []uint32{},
		}
	}
	return attr
}

func useUserNamespace(mode UserNamespaceMode) bool {
	switch mode {
	case UserNamespaceAlways:
		return true
	case UserNamespaceNever:
		return false
	default:
		return !osutil.IsRoot()
	}
}

func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
}

// Probe reports whether this process can run builds,
// returning an error describing why not otherwise.
// It starts a short-lived process in the same namespaces [*Sandbox.Run] uses.
func Probe(ctx context.Context, mode UserNamespaceMode) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("probe sandbox support: %v", err)
	}
	c := exec.CommandContext(ctx, exe, "-h")
	c.Env = []string{}
	c.SysProcAttr = sysProcAttr("", mode)
	// The executable may not be reachable by the build user.
	c.SysProcAttr.Credential = nil
	if err := c.Start(); err != nil {
		return fmt.Errorf("probe sandbox support: %v", err)
	}
	c.Process.Kill()
	c.Wait()
	return nil
}
