package supervisor

import (
	"fmt"
	"net"
	"os"
	"sync"
)

// SocketSpec declares one listening socket, per spec.md §4.2 and the
// config snapshot's `sockets` list.
type SocketSpec struct {
	Name         string
	Family       string // "tcp", "tcp4", "tcp6", "unix"
	Host         string
	Port         int
	Path         string // for unix sockets
	Backlog      int
	SoReusePort  bool
	Umask        int
	Replace      bool
}

// Registry creates and holds listening sockets for the Arbiter's
// lifetime, exposing file descriptors to children via $(circus.sockets.NAME).
type Registry struct {
	mu      sync.Mutex
	order   []string
	sockets map[string]*registeredSocket
}

type registeredSocket struct {
	spec     SocketSpec
	listener net.Listener
	file     *os.File
}

func NewRegistry() *Registry {
	return &Registry{sockets: make(map[string]*registeredSocket)}
}

// Bind creates and listens on every socket in specs, in order,
// replacing any pre-existing socket with the same name first when
// spec.Replace is set.
func (r *Registry) Bind(specs []SocketSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range specs {
		if spec.Replace {
			if existing, ok := r.sockets[spec.Name]; ok {
				existing.listener.Close()
				delete(r.sockets, spec.Name)
			}
		}

		addr := addrOf(spec)
		var lc net.ListenConfig
		if spec.SoReusePort {
			lc.Control = reusePortControl
		}

		network := spec.Family
		if network == "" {
			network = "tcp"
		}
		if network == "unix" {
			addr = spec.Path
		}

		var prevUmask int
		if spec.Umask != 0 {
			prevUmask = setUmask(spec.Umask)
		}
		ln, err := lc.Listen(nil, network, addr)
		if spec.Umask != 0 {
			setUmask(prevUmask)
		}
		if err != nil {
			return fmt.Errorf("socket %q: %w", spec.Name, err)
		}

		if tl, ok := ln.(*net.TCPListener); ok && spec.Backlog > 0 {
			_ = tl // backlog is set at listen(2) time on most platforms;
			// Go's net package does not expose it post-hoc, so a
			// configured backlog beyond the OS default is a no-op here.
		}

		file, err := fileOf(ln)
		if err != nil {
			ln.Close()
			return fmt.Errorf("socket %q: dup fd: %w", spec.Name, err)
		}

		r.sockets[spec.Name] = &registeredSocket{spec: spec, listener: ln, file: file}
		r.order = append(r.order, spec.Name)
	}
	return nil
}

// GetFD returns the numeric file descriptor for the named socket, and
// the *os.File that owns the dup'd, CLOEXEC-cleared descriptor passed
// to children via ExtraFiles.
func (r *Registry) GetFD(name string) (int, *os.File, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sockets[name]
	if !ok {
		return 0, nil, false
	}
	return int(s.file.Fd()), s.file, true
}

// Close closes every socket in reverse creation order.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if s, ok := r.sockets[name]; ok {
			s.listener.Close()
			s.file.Close()
		}
	}
	r.order = nil
	r.sockets = map[string]*registeredSocket{}
}

func addrOf(spec SocketSpec) string {
	return fmt.Sprintf("%s:%d", spec.Host, spec.Port)
}

func fileOf(ln net.Listener) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	f, ok := ln.(filer)
	if !ok {
		return nil, fmt.Errorf("listener does not support File()")
	}
	file, err := f.File()
	if err != nil {
		return nil, err
	}
	return file, nil
}
