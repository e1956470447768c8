package sock

import "golang.org/x/sys/unix"

func accept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

// the Go runtime already ignores SIGPIPE for descriptors other than stdout/stderr.
func setNoSigpipe(fd int) error { return nil }
