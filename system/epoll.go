package system

import (
	"golang.org/x/sys/unix"

	"github.com/fsl-jyt/porto/perr"
)

// Epoll multiplexes the eventfd sources the daemon watches, one fd per
// armed OOM notification.
type Epoll struct {
	fd int
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, perr.System("epoll_create1", err)
	}
	return &Epoll{fd: fd}, nil
}

func (e *Epoll) Close() {
	unix.Close(e.fd)
}

// Add registers fd for level-triggered read readiness.
func (e *Epoll) Add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return perr.System("epoll_ctl add", err)
	}
	return nil
}

// Remove drops fd from the set. A fd closed elsewhere is not an error.
func (e *Epoll) Remove(fd int) error {
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.EBADF && err != unix.ENOENT {
		return perr.System("epoll_ctl del", err)
	}
	return nil
}

// Wait blocks up to timeoutMs and returns the fds that became readable.
// EINTR returns an empty batch so the caller can recheck its state.
func (e *Epoll) Wait(timeoutMs int) ([]int, error) {
	events := make([]unix.EpollEvent, 16)
	n, err := unix.EpollWait(e.fd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, perr.System("epoll_wait", err)
	}
	fds := make([]int, 0, n)
	for _, ev := range events[:n] {
		fds = append(fds, int(ev.Fd))
	}
	return fds, nil
}

// ReadEvents drains an armed eventfd and returns the accumulated counter,
// zero when nothing is pending.
func ReadEvents(efd int) uint64 {
	var buf [8]byte
	n, err := unix.Read(efd, buf[:])
	if err != nil || n != 8 {
		return 0
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}
