package treefs

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
)

// handleCacheSize bounds the NFS file-handle cache; datasets rarely hold
// more open handles than this at once.
const handleCacheSize = 4096

// Server serves a projected dataset over NFS on an ephemeral localhost
// port until closed.
type Server struct {
	listener net.Listener
	port     int
	done     chan struct{}
	serveErr error
}

// NewServer starts serving the filesystem. The serve loop runs until
// Close; its failure, if any, is reported by Close.
func NewServer(fs billy.Filesystem) (*Server, error) {
	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, fmt.Errorf("nfs listen: %w", err)
	}
	s := &Server{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		done:     make(chan struct{}),
	}

	handler := nfshelper.NewCachingHandler(nfshelper.NewNullAuthHandler(fs), handleCacheSize)
	go func() {
		defer close(s.done)
		if err := nfs.Serve(listener, handler); err != nil && !errors.Is(err, net.ErrClosed) {
			s.serveErr = err
		}
	}()
	return s, nil
}

// Port returns the TCP port the server is listening on.
func (s *Server) Port() int { return s.port }

// Close stops the listener, waits for the serve loop to drain, and
// returns whatever error ended it prematurely.
func (s *Server) Close() error {
	closeErr := s.listener.Close()
	<-s.done
	if s.serveErr != nil {
		return s.serveErr
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}

// mountOpts builds the platform NFS mount options. Datasets are always
// attached read-only.
func mountOpts(port int) (string, error) {
	base := fmt.Sprintf("port=%d,mountport=%d,vers=3,tcp", port, port)
	switch runtime.GOOS {
	case "darwin":
		return base + ",locallocks,noresvport,rdonly", nil
	case "linux":
		return base + ",local_lock=all,nolock,ro", nil
	default:
		return "", fmt.Errorf("no NFS mount support on %s", runtime.GOOS)
	}
}

// Mount attaches the server's share at mountpoint via the system mount
// command. Requires sudo.
func Mount(port int, mountpoint string) error {
	opts, err := mountOpts(port)
	if err != nil {
		return err
	}
	cmd := exec.Command("sudo", "mount", "-t", "nfs", "-o", opts, "localhost:/", mountpoint)
	cmd.Stdin = nil // sudo may need a terminal for the password
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mount %s: %w\n%s", mountpoint, err, output)
	}
	return nil
}

// Unmount detaches a previously mounted share, trying the unprivileged
// path first where one exists.
func Unmount(mountpoint string) error {
	var attempts [][]string
	if runtime.GOOS == "darwin" {
		attempts = append(attempts, []string{"diskutil", "unmount", mountpoint})
	}
	attempts = append(attempts, []string{"sudo", "umount", mountpoint})

	var lastErr error
	for _, argv := range attempts {
		output, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%s: %w\n%s", strings.Join(argv, " "), err, output)
	}
	return fmt.Errorf("unmount %s: %w", mountpoint, lastErr)
}
