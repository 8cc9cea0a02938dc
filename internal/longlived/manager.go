// Package longlived implements the Long-Lived Socket Mode: donating a
// client file descriptor from the proxy to a guest's own event loop,
// with a dedicated host thread driving epoll on the guest's behalf.
package longlived

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nova-kvm/kvmruntime/internal/logging"
)

// Errors returned by Manager operations.
var (
	ErrNotHTTP1    = errors.New("longlived: fd donation requires HTTP/1.x")
	ErrShutdown    = errors.New("longlived: manager is shut down")
	ErrAlreadyOwns = errors.New("longlived: fd already managed")
)

// Dispatcher is the guest-side callback surface a Manager drives events
// into, matching kvm::LongLived's fd_readable/fd_writable/hangup entry
// points. Exactly one of these calls is ever in flight for a given fd at
// a time, since the Manager's single epoll thread dispatches serially.
type Dispatcher interface {
	// FDReadable is called with the bytes read off fd (at most readSize
	// per read). The Manager reads into a host-side buffer and does not
	// write the bytes into guest memory.
	FDReadable(fd int, data []byte) error
	FDWritable(fd int) error
	Hangup(fd int)
}

// Manager owns one epoll instance per Program Instance, donating client
// fds into a long-lived guest's event loop. Mirrors the shape of
// kvm::LongLived: an epoll fd, a running flag, a pre-allocated
// guest-visible read buffer address, and a dedicated host thread.
type Manager struct {
	tenant string
	disp   Dispatcher

	epollFD   int
	readVaddr uint64
	readSize  int

	mu      sync.Mutex
	fds     map[int]struct{}
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewManager creates a Manager for tenant, dispatching events into disp.
// readSize bounds each socket read handed to FDReadable; readVaddr is
// recorded as the guest-visible read buffer's address, and the Manager
// itself never writes to it.
func NewManager(tenant string, disp Dispatcher, readVaddr uint64, readSize int) (*Manager, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		tenant:    tenant,
		disp:      disp,
		epollFD:   epollFD,
		readVaddr: readVaddr,
		readSize:  readSize,
		fds:       make(map[int]struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	return m, nil
}

// Start launches the dedicated epoll thread. Safe to call once.
func (m *Manager) Start() {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	go m.epollMainLoop()
}

// Begin implements kvm_vm_begin_epoll: on success, ownership of fd
// transfers to the Manager (the caller must treat its copy as consumed,
// conventionally by setting its own variable to -1) and the fd is added
// to the epoll set. isHTTP1 must be true; HTTP/2 connections cannot
// donate their fd, per spec.md §4.9's precondition, and Begin leaves fd
// untouched in that case.
func (m *Manager) Begin(fd int, arg string, isHTTP1 bool) (bool, error) {
	if !isHTTP1 {
		return false, nil
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return false, ErrShutdown
	}
	if _, exists := m.fds[fd]; exists {
		m.mu.Unlock()
		return false, ErrAlreadyOwns
	}
	m.fds[fd] = struct{}{}
	m.mu.Unlock()

	if err := m.epollAdd(fd); err != nil {
		m.mu.Lock()
		delete(m.fds, fd)
		m.mu.Unlock()
		return false, err
	}

	logging.Op().Info("longlived fd donated", "tenant", m.tenant, "fd", fd, "arg", arg)
	return true, nil
}

func (m *Manager) epollAdd(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP, Fd: int32(fd)}
	return unix.EpollCtl(m.epollFD, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (m *Manager) epollRemove(fd int) {
	unix.EpollCtl(m.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	m.mu.Lock()
	delete(m.fds, fd)
	m.mu.Unlock()
}

// epollMainLoop is the dedicated thread: epoll_wait, then serial
// dispatch into the guest, one event at a time, matching spec.md §9's
// "model as message passing" design note for this subsystem.
func (m *Manager) epollMainLoop() {
	defer close(m.done)
	events := make([]unix.EpollEvent, 32)

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		n, err := unix.EpollWait(m.epollFD, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logging.Op().Error("longlived epoll_wait failed", "tenant", m.tenant, "error", err)
			return
		}

		for i := 0; i < n; i++ {
			m.handleEvent(events[i])
		}
	}
}

func (m *Manager) handleEvent(ev unix.EpollEvent) {
	fd := int(ev.Fd)

	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
		m.epollRemove(fd)
		m.disp.Hangup(fd)
		return
	}

	if ev.Events&unix.EPOLLIN != 0 {
		buf := make([]byte, m.readSize)
		n, err := unix.Read(fd, buf)
		if err != nil || n == 0 {
			m.epollRemove(fd)
			m.disp.Hangup(fd)
			return
		}
		if err := m.disp.FDReadable(fd, buf[:n]); err != nil {
			logging.Op().Error("longlived fd_readable dispatch failed", "tenant", m.tenant, "fd", fd, "error", err)
		}
	}

	if ev.Events&unix.EPOLLOUT != 0 {
		if err := m.disp.FDWritable(fd); err != nil {
			logging.Op().Error("longlived fd_writable dispatch failed", "tenant", m.tenant, "fd", fd, "error", err)
		}
	}
}

// Shutdown stops the epoll thread and closes the epoll fd. Managed
// client fds are left to the caller to close.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stop)
	<-m.done
	unix.Close(m.epollFD)
}

// ManagedCount reports how many fds are currently donated to this
// Manager, for diagnostics/tests.
func (m *Manager) ManagedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fds)
}
