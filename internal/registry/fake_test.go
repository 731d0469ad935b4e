package registry

import (
	"context"
	"time"

	"github.com/spawnhq/spawn/internal/cloud"
)

// fakeDriver satisfies cloud.Driver for destroy-flow tests.
type fakeDriver struct {
	destroyed string
	notFound  bool
}

func (f *fakeDriver) Key() string          { return "hetzner" }
func (f *fakeDriver) DashboardURL() string { return "https://example.com" }
func (f *fakeDriver) DefaultUser() string  { return "root" }

func (f *fakeDriver) Authenticate(ctx context.Context) error { return nil }
func (f *fakeDriver) PromptSize(ctx context.Context) error   { return nil }

func (f *fakeDriver) CreateServer(ctx context.Context, name, userdata string) (*cloud.Server, error) {
	return nil, nil
}

func (f *fakeDriver) WaitReady(ctx context.Context, srv *cloud.Server) error { return nil }

func (f *fakeDriver) Run(ctx context.Context, srv *cloud.Server, cmd string, timeout time.Duration) error {
	return nil
}

func (f *fakeDriver) RunCapture(ctx context.Context, srv *cloud.Server, cmd string, timeout time.Duration) (string, error) {
	return "", nil
}

func (f *fakeDriver) Upload(ctx context.Context, srv *cloud.Server, localPath, remotePath string) error {
	return nil
}

func (f *fakeDriver) Interactive(ctx context.Context, srv *cloud.Server, cmd string) (int, error) {
	return 0, nil
}

func (f *fakeDriver) Destroy(ctx context.Context, serverID string) error {
	f.destroyed = serverID
	return nil
}

func (f *fakeDriver) List(ctx context.Context) ([]cloud.Server, error) { return nil, nil }
