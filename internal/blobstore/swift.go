package blobstore

import (
	"context"
	"io"

	"github.com/ncw/swift/v2"
	"github.com/pkg/errors"

	"github.com/daisy-project/daisy/internal/configuration"
)

// swiftProvider stores blobs in an OpenStack object-storage container.
type swiftProvider struct {
	name      string
	container string
	conn      *swift.Connection
}

func newSwiftProvider(ctx context.Context, name string, cfg configuration.BlobProviderConfig) (*swiftProvider, error) {
	if cfg.Container == "" {
		return nil, errors.New("swift provider needs a container")
	}
	conn := &swift.Connection{
		UserName: cfg.UserName,
		ApiKey:   cfg.ApiKey,
		AuthUrl:  cfg.AuthURL,
		Tenant:   cfg.Tenant,
	}
	if err := conn.Authenticate(ctx); err != nil {
		return nil, errors.Wrap(err, "authenticating to swift")
	}
	if err := conn.ContainerCreate(ctx, cfg.Container, nil); err != nil {
		return nil, errors.Wrap(err, "ensuring swift container")
	}
	return &swiftProvider{name: name, container: cfg.Container, conn: conn}, nil
}

func (p *swiftProvider) Name() string {
	return p.name
}

func (p *swiftProvider) Put(ctx context.Context, key string, r io.Reader) error {
	f, err := p.conn.ObjectCreate(ctx, p.container, key, false, "", "", nil)
	if err != nil {
		return errors.Wrap(err, "creating swift object")
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "writing swift object")
	}
	return errors.Wrap(f.Close(), "finishing swift object")
}

func (p *swiftProvider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, _, err := p.conn.ObjectOpen(ctx, p.container, key, false, nil)
	if err == swift.ObjectNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening swift object")
	}
	return f, nil
}

func (p *swiftProvider) Delete(ctx context.Context, key string) error {
	err := p.conn.ObjectDelete(ctx, p.container, key)
	if err == swift.ObjectNotFound {
		return nil
	}
	return errors.Wrap(err, "deleting swift object")
}
