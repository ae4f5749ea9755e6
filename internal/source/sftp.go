package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/openmined/lakelift/internal/transfer"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSFTPPort = 22

// SFTPConfig holds the connection settings for a remote source.
type SFTPConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	KeyFile        string        `mapstructure:"key_file"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	Root           string        `mapstructure:"root"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

func (c *SFTPConfig) Validate() error {
	if c.Host == "" {
		return errors.New("sftp host is required")
	}
	if c.Username == "" {
		return errors.New("sftp username is required")
	}
	if c.Password == "" && c.KeyFile == "" {
		return errors.New("sftp password or key_file is required")
	}
	return nil
}

// SFTP reads source files from a remote host. The connection is dialed on
// first use and shared by all workers; a broken connection is redialed on the
// next Open.
type SFTP struct {
	cfg  SFTPConfig
	dial func() (*sftp.Client, io.Closer, error)

	mu   sync.Mutex
	conn io.Closer
	sftp *sftp.Client
}

func NewSFTP(cfg SFTPConfig) (*SFTP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = defaultSFTPPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	s := &SFTP{cfg: cfg}
	s.dial = s.dialSSH
	return s, nil
}

func (s *SFTP) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := s.client()
	if err != nil {
		return nil, err
	}

	if s.cfg.Root != "" && !path.IsAbs(p) {
		p = path.Join(s.cfg.Root, p)
	}

	f, err := client.Open(p)
	if err != nil {
		// a lost session shows up as EOF on the request
		if isConnError(err) || errors.Is(err, io.EOF) {
			s.drop(client)
			return nil, fmt.Errorf("%w: open %s: %w", transfer.ErrSourceUnavailable, p, err)
		}
		return nil, mapOpenError(p, err)
	}
	return &sftpFile{f: f, src: s, client: client}, nil
}

// sftpFile drops the shared connection when a read fails because the
// session is gone, so the next Open redials.
type sftpFile struct {
	f      *sftp.File
	src    *SFTP
	client *sftp.Client
}

func (f *sftpFile) Read(p []byte) (int, error) {
	n, err := f.f.Read(p)
	if err != nil && isConnError(err) {
		f.src.drop(f.client)
		return n, fmt.Errorf("%w: read %s: %w", transfer.ErrSourceUnavailable, f.f.Name(), err)
	}
	return n, err
}

func (f *sftpFile) Close() error {
	err := f.f.Close()
	if err != nil && isConnError(err) {
		return nil
	}
	return err
}

func (s *SFTP) client() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sftp != nil {
		return s.sftp, nil
	}

	client, conn, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transfer.ErrSourceUnavailable, err)
	}
	s.conn = conn
	s.sftp = client
	return client, nil
}

func (s *SFTP) dialSSH() (*sftp.Client, io.Closer, error) {
	sshConfig, err := s.sshConfig()
	if err != nil {
		return nil, nil, err
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	sshClient, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, nil, fmt.Errorf("sftp client: %w", err)
	}

	slog.Info("sftp source connected", "addr", addr, "user", s.cfg.Username)
	return sftpClient, sshClient, nil
}

func (s *SFTP) sshConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if s.cfg.KeyFile != "" {
		key, err := os.ReadFile(s.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		auth = append(auth, ssh.Password(s.cfg.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if s.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(s.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		slog.Warn("sftp host key not verified, set known_hosts_file", "host", s.cfg.Host)
	}

	return &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.cfg.DialTimeout,
	}, nil
}

// drop closes the shared connection if it is still the given client. A
// connection another worker already redialed is left alone.
func (s *SFTP) drop(client *sftp.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != client {
		return
	}
	slog.Warn("sftp source connection lost", "host", s.cfg.Host)
	_ = s.closeLocked()
}

func (s *SFTP) closeLocked() error {
	var errs []error
	if s.sftp != nil {
		errs = append(errs, s.sftp.Close())
		s.sftp = nil
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}
	return errors.Join(errs...)
}

// Close tears down the connection.
func (s *SFTP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func isConnError(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
