package pairxfer

import (
	"context"

	"golang.org/x/crypto/ssh"

	"github.com/gonzalop/pairxfer/credential"
	"github.com/gonzalop/pairxfer/internal/failure"
	"github.com/gonzalop/pairxfer/internal/sftpd"
)

// maxAuthTries is the number of password attempts per SSH connection.
const maxAuthTries = 3

// AuthenticatedServer serves a directory over SFTP. The login is derived
// from the shared secret passed to Start with credential.Derive; only
// password authentication is accepted.
type AuthenticatedServer struct {
	*Bootstrap[credential.Credential, *serverHandle]
}

// NewAuthenticatedServer creates a stopped SFTP server for root that
// presents hostKey. Use LoadHostKey to obtain a persistent key.
func NewAuthenticatedServer(root string, hostKey ssh.Signer, options ...Option) (*AuthenticatedServer, error) {
	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	factory := &sftpFactory{root: root, hostKey: hostKey, settings: s}
	b := newBootstrap[credential.Credential, *serverHandle]("authenticated", credential.Derive, factory, describeSFTP, s)
	return &AuthenticatedServer{Bootstrap: b}, nil
}

// LoadHostKey returns the Ed25519 host key stored at path, creating it
// with mode 0600 if missing. An empty path returns an ephemeral key.
func LoadHostKey(path string) (ssh.Signer, error) {
	signer, err := sftpd.LoadOrCreateHostKey(path)
	if err != nil {
		return nil, failure.New("host key", err)
	}
	return signer, nil
}

func describeSFTP(cred credential.Credential, h *serverHandle) ServerInfo {
	return ServerInfo{
		Username:           cred.Username,
		Password:           cred.Password,
		Protocol:           "sftp",
		HostKeyFingerprint: h.fingerprint,
	}
}

type sftpFactory struct {
	root     string
	hostKey  ssh.Signer
	settings *settings
}

func (f *sftpFactory) Listen(ctx context.Context, port int, cred credential.Credential) (*serverHandle, error) {
	if f.hostKey == nil {
		return nil, failure.Configf("host key", "no host key configured")
	}

	logger := f.settings.logger.With("variant", "authenticated")
	root, err := openRoot(f.root, f.settings)
	if err != nil {
		return nil, err
	}

	options := []sftpd.Option{
		sftpd.WithLogger(logger),
		sftpd.WithMaxIdleTime(f.settings.idleTimeout),
		sftpd.WithReadOnly(f.settings.readOnly),
		sftpd.WithBandwidthLimit(f.settings.bandwidthLimit),
		sftpd.WithMaxAuthTries(maxAuthTries),
	}
	if f.settings.metrics != nil {
		options = append(options, sftpd.WithMetrics(f.settings.metrics))
	}
	server, err := sftpd.NewServer(root, f.hostKey, credential.NewAuthenticator(cred), options...)
	if err != nil {
		closeRoot(logger, port, root)
		return nil, configError("configure sftp server", err)
	}

	ln, err := listenTCP(ctx, f.settings.listenHost, port)
	if err != nil {
		closeRoot(logger, port, root)
		return nil, err
	}
	return &serverHandle{
		engine:      server,
		root:        root,
		listener:    ln,
		fingerprint: server.HostKeyFingerprint(),
	}, nil
}
