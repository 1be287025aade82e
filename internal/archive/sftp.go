package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/I54m/LFS/internal/config"
	"github.com/I54m/LFS/internal/models"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPDialer opens SSH file-transfer sessions with public key auth.
type SFTPDialer struct {
	cfg     config.Archive
	logger  *zap.Logger
	auth    []ssh.AuthMethod
	hostKey ssh.HostKeyCallback
}

func NewSFTPDialer(cfg config.Archive, logger *zap.Logger) (*SFTPDialer, error) {
	d := &SFTPDialer{cfg: cfg, logger: logger.With(zap.String("component", "archive.sftp"))}

	if cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		d.auth = append(d.auth, ssh.PublicKeys(signer))
	}

	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		d.hostKey = cb
	} else {
		d.logger.Warn("archive host key is not verified, set LFS_ARCHIVE_KNOWN_HOSTS")
		d.hostKey = ssh.InsecureIgnoreHostKey()
	}

	return d, nil
}

func (d *SFTPDialer) transportError(err error, sessionUp bool) error {
	return &models.TransportError{
		Host:          d.cfg.Host,
		Port:          d.cfg.Port,
		Username:      d.cfg.Username,
		KeyConfigured: d.cfg.PrivateKeyPath != "",
		SessionUp:     sessionUp,
		Err:           err,
	}
}

func (d *SFTPDialer) Dial(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	clientCfg := &ssh.ClientConfig{
		User:            d.cfg.Username,
		Auth:            d.auth,
		HostKeyCallback: d.hostKey,
		Timeout:         d.cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, d.transportError(err, false)
	}

	if d.cfg.DialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.DialTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	sshClient, client, err := d.handshake(conn, addr, clientCfg)
	if !stop() && err == nil {
		// ctx ended after the handshake finished and the conn is gone.
		_ = client.Close()
		_ = sshClient.Close()
		err = ctx.Err()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return nil, d.transportError(err, sshClient != nil)
	}
	_ = conn.SetDeadline(time.Time{})

	d.logger.Debug("archive session opened", zap.String("addr", addr))
	return &sftpSession{
		dialer: d,
		ssh:    sshClient,
		client: client,
	}, nil
}

// handshake runs the SSH and SFTP handshakes over conn. The caller bounds it
// with a conn deadline. sshClient is non-nil when the SSH session came up.
func (d *SFTPDialer) handshake(conn net.Conn, addr string, cfg *ssh.ClientConfig) (*ssh.Client, *sftp.Client, error) {
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return sshClient, nil, err
	}
	return sshClient, client, nil
}

type sftpSession struct {
	dialer *SFTPDialer
	ssh    *ssh.Client
	client *sftp.Client
}

func (s *sftpSession) remote(p string) string {
	return path.Join(s.dialer.cfg.Root, p)
}

// withTimeout bounds a transfer by closing c when the transfer timeout fires.
func (s *sftpSession) withTimeout(ctx context.Context, c io.Closer) (stop func()) {
	if s.dialer.cfg.TransferTimeout <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, s.dialer.cfg.TransferTimeout)
	unregister := context.AfterFunc(ctx, func() { _ = c.Close() })
	return func() {
		unregister()
		cancel()
	}
}

func (s *sftpSession) Put(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst := s.remote(remotePath)
	if err := s.client.MkdirAll(path.Dir(dst)); err != nil {
		return s.dialer.transportError(fmt.Errorf("mkdir %s: %w", path.Dir(dst), err), true)
	}

	f, err := s.client.Create(dst)
	if err != nil {
		return s.dialer.transportError(fmt.Errorf("create %s: %w", dst, err), true)
	}
	stop := s.withTimeout(ctx, f)
	defer stop()

	if _, err := f.ReadFrom(src); err != nil {
		_ = f.Close()
		return s.dialer.transportError(fmt.Errorf("upload %s: %w", dst, err), true)
	}
	if err := f.Close(); err != nil {
		return s.dialer.transportError(fmt.Errorf("upload %s: %w", dst, err), true)
	}
	return nil
}

func (s *sftpSession) Get(ctx context.Context, remotePath, localPath string) error {
	src := s.remote(remotePath)
	f, err := s.client.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remote %s: %w", src, models.ErrNotFound)
	}
	if err != nil {
		return s.dialer.transportError(fmt.Errorf("open %s: %w", src, err), true)
	}
	defer f.Close()
	stop := s.withTimeout(ctx, f)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := f.WriteTo(dst); err != nil {
		_ = dst.Close()
		_ = os.Remove(localPath)
		return s.dialer.transportError(fmt.Errorf("download %s: %w", src, err), true)
	}
	return dst.Close()
}

func (s *sftpSession) Remove(_ context.Context, remotePath string) error {
	err := s.client.Remove(s.remote(remotePath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return s.dialer.transportError(fmt.Errorf("remove %s: %w", remotePath, err), true)
	}
	return nil
}

func (s *sftpSession) List(_ context.Context, remoteDir string) ([]Entry, error) {
	infos, err := s.client.ReadDir(s.remote(remoteDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, s.dialer.transportError(fmt.Errorf("list %s: %w", remoteDir, err), true)
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		if !fi.IsDir() && !fi.Mode().IsRegular() {
			continue
		}
		entries = append(entries, Entry{Name: fi.Name(), IsDir: fi.IsDir()})
	}
	return entries, nil
}

func (s *sftpSession) Close() error {
	return errors.Join(s.client.Close(), s.ssh.Close())
}
