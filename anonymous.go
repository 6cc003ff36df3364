package pairxfer

import (
	"context"

	"github.com/gonzalop/pairxfer/credential"
	"github.com/gonzalop/pairxfer/internal/ftpd"
)

// AnonymousUsername is the fixed login of the anonymous variant. Its
// password is empty.
const AnonymousUsername = "anonymous"

// AnonymousServer serves a directory over FTP to anonymous clients. The
// shared secret passed to Start is ignored.
type AnonymousServer struct {
	*Bootstrap[credential.Credential, *serverHandle]
}

// NewAnonymousServer creates a stopped anonymous FTP server for root.
// Anonymous clients may read and write inside root unless WithReadOnly is
// set.
func NewAnonymousServer(root string, options ...Option) (*AnonymousServer, error) {
	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	factory := &ftpFactory{root: root, settings: s}
	b := newBootstrap[credential.Credential, *serverHandle]("anonymous", anonymousCredential, factory, describeFTP, s)
	return &AnonymousServer{Bootstrap: b}, nil
}

func anonymousCredential(string) (credential.Credential, error) {
	return credential.Credential{Username: AnonymousUsername}, nil
}

func describeFTP(cred credential.Credential, _ *serverHandle) ServerInfo {
	return ServerInfo{
		Username: cred.Username,
		Password: cred.Password,
		Protocol: "ftp",
	}
}

type ftpFactory struct {
	root     string
	settings *settings
}

func (f *ftpFactory) Listen(ctx context.Context, port int, _ credential.Credential) (*serverHandle, error) {
	logger := f.settings.logger.With("variant", "anonymous")
	root, err := openRoot(f.root, f.settings)
	if err != nil {
		return nil, err
	}

	options := []ftpd.Option{
		ftpd.WithLogger(logger),
		ftpd.WithMaxIdleTime(f.settings.idleTimeout),
		ftpd.WithReadOnly(f.settings.readOnly),
		ftpd.WithBandwidthLimit(f.settings.bandwidthLimit),
	}
	if f.settings.metrics != nil {
		options = append(options, ftpd.WithMetrics(f.settings.metrics))
	}
	server, err := ftpd.NewServer(root, options...)
	if err != nil {
		closeRoot(logger, port, root)
		return nil, configError("configure ftp server", err)
	}

	ln, err := listenTCP(ctx, f.settings.listenHost, port)
	if err != nil {
		closeRoot(logger, port, root)
		return nil, err
	}
	return &serverHandle{engine: server, root: root, listener: ln}, nil
}
