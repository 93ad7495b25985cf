package launcher

import "syscall"

// Workers get their own process group so terminal signals reach only the
// supervisor, and die with the supervisor if it is killed.
func workerSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
