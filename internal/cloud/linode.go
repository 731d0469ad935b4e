package cloud

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spawnhq/spawn/pkg/errdefs"
	"go.uber.org/zap"
)

func init() {
	Register("linode", func(deps Deps) Driver { return newLinode(deps) })
}

const (
	linodeAPI           = "https://api.linode.com/v4"
	linodeDashboard     = "https://cloud.linode.com/linodes"
	linodeDefaultType   = "g6-standard-4"
	linodeDefaultRegion = "us-east"
	linodeDefaultImage  = "linode/ubuntu24.04"
	linodeReadyCeiling  = 10 * time.Minute
)

type linodeDriver struct {
	sshTransport
	deps Deps
	api  *apiClient

	instanceType string
	region       string
}

func newLinode(deps Deps) *linodeDriver {
	return &linodeDriver{
		sshTransport: sshTransport{runner: deps.Runner, logger: deps.Logger},
		deps:         deps,
		instanceType: linodeDefaultType,
		region:       linodeDefaultRegion,
	}
}

func (d *linodeDriver) Key() string          { return "linode" }
func (d *linodeDriver) DashboardURL() string { return linodeDashboard }
func (d *linodeDriver) DefaultUser() string  { return "root" }

func (d *linodeDriver) Authenticate(ctx context.Context) error {
	token, err := resolveToken(ctx, d.deps, "linode", "LINODE_TOKEN",
		func(ctx context.Context, token string) error {
			probe := newAPIClient(linodeAPI, token, d.deps.Logger)
			return probe.get(ctx, "/profile", nil)
		},
	)
	if err != nil {
		return err
	}
	d.api = newAPIClient(linodeAPI, token, d.deps.Logger)
	return nil
}

func (d *linodeDriver) PromptSize(ctx context.Context) error {
	if v := os.Getenv("LINODE_TYPE"); v != "" {
		d.instanceType = v
	}
	if v := os.Getenv("LINODE_REGION"); v != "" {
		d.region = v
	}

	if !d.deps.Interactive || d.deps.Picker == nil {
		return nil
	}

	var out struct {
		Data []struct {
			ID     string `json:"id"`
			VCPUs  int    `json:"vcpus"`
			Memory int    `json:"memory"`
			Price  struct {
				Hourly float64 `json:"hourly"`
			} `json:"price"`
		} `json:"data"`
	}
	if err := d.api.get(ctx, "/linode/types", &out); err != nil {
		d.deps.Logger.Warn("could not load type catalog", zap.Error(err))
		return nil
	}

	options := make([]PickOption, 0, len(out.Data))
	for _, t := range out.Data {
		options = append(options, PickOption{
			Value: t.ID,
			Label: t.ID,
			Hint:  fmt.Sprintf("%d vCPU / %dMB / $%.3f/h", t.VCPUs, t.Memory, t.Price.Hourly),
		})
	}
	if chosen, err := d.deps.Picker.Pick(ctx, "Linode type", options, d.instanceType); err == nil && chosen != "" {
		d.instanceType = chosen
	}
	return nil
}

func (d *linodeDriver) CreateServer(ctx context.Context, name, userdata string) (*Server, error) {
	if !ValidIdentifier(name) {
		return nil, errdefs.Newf(errdefs.KindValidation, "invalid server name %q", name)
	}

	rootPass, err := randomPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to generate root password: %w", err)
	}

	req := map[string]interface{}{
		"label":     name,
		"region":    d.region,
		"type":      d.instanceType,
		"image":     linodeDefaultImage,
		"root_pass": rootPass,
		"booted":    true,
		"metadata": map[string]string{
			"user_data": base64.StdEncoding.EncodeToString([]byte(userdata)),
		},
	}

	var out struct {
		ID   int64    `json:"id"`
		IPv4 []string `json:"ipv4"`
	}
	if err := d.api.post(ctx, "/linode/instances", req, &out); err != nil {
		return nil, errdefs.Wrap(errdefs.KindProvision, "linode creation failed", err)
	}

	id := strconv.FormatInt(out.ID, 10)
	if len(out.IPv4) == 0 {
		d.deps.Logger.Error("linode created without an address, destroying it",
			zap.String("server_id", id),
		)
		if derr := d.Destroy(ctx, id); derr != nil {
			d.deps.Logger.Warn("best-effort cleanup failed", zap.Error(derr))
		}
		return nil, errdefs.New(errdefs.KindProvision, "linode came back without an IPv4 address")
	}

	srv := &Server{ID: id, Name: name, IP: out.IPv4[0], User: d.DefaultUser(), Cloud: "linode"}
	if err := srv.Validate(); err != nil {
		d.deps.Logger.Error("destroying linode with unusable identifiers",
			zap.String("server_id", srv.ID),
			zap.Error(err),
		)
		if derr := d.Destroy(ctx, srv.ID); derr != nil {
			d.deps.Logger.Warn("best-effort cleanup failed", zap.Error(derr))
		}
		return nil, errdefs.Wrap(errdefs.KindProvision, "provider returned invalid server details", err)
	}

	if d.deps.ConnectionSink != nil {
		if err := d.deps.ConnectionSink(srv); err != nil {
			d.deps.Logger.Warn("failed to record connection details", zap.Error(err))
		}
	}
	return srv, nil
}

func (d *linodeDriver) WaitReady(ctx context.Context, srv *Server) error {
	return d.waitReady(ctx, srv, linodeReadyCeiling)
}

func (d *linodeDriver) Destroy(ctx context.Context, serverID string) error {
	if !ValidIdentifier(serverID) {
		return errdefs.Newf(errdefs.KindValidation, "invalid server id %q", serverID)
	}
	err := d.api.del(ctx, "/linode/instances/"+serverID)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.IsNotFound() {
			return nil
		}
		return fmt.Errorf("failed to destroy linode %s (clean up manually at %s): %w",
			serverID, linodeDashboard, err)
	}
	return nil
}

func (d *linodeDriver) List(ctx context.Context) ([]Server, error) {
	var out struct {
		Data []struct {
			ID    int64    `json:"id"`
			Label string   `json:"label"`
			IPv4  []string `json:"ipv4"`
		} `json:"data"`
	}
	if err := d.api.get(ctx, "/linode/instances", &out); err != nil {
		return nil, err
	}

	servers := make([]Server, 0, len(out.Data))
	for _, l := range out.Data {
		ip := ""
		if len(l.IPv4) > 0 {
			ip = l.IPv4[0]
		}
		servers = append(servers, Server{
			ID:    strconv.FormatInt(l.ID, 10),
			Name:  l.Label,
			IP:    ip,
			User:  d.DefaultUser(),
			Cloud: "linode",
		})
	}
	return servers, nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
