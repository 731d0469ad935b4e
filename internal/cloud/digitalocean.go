package cloud

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spawnhq/spawn/pkg/errdefs"
	"go.uber.org/zap"
)

func init() {
	Register("digitalocean", func(deps Deps) Driver { return newDigitalOcean(deps) })
}

const (
	doAPI           = "https://api.digitalocean.com/v2"
	doDashboard     = "https://cloud.digitalocean.com/droplets"
	doDefaultSize   = "s-4vcpu-8gb"
	doDefaultRegion = "nyc3"
	doDefaultImage  = "ubuntu-24-04-x64"
	doReadyCeiling  = 10 * time.Minute
)

type digitalOceanDriver struct {
	sshTransport
	deps Deps
	api  *apiClient

	size   string
	region string
}

func newDigitalOcean(deps Deps) *digitalOceanDriver {
	return &digitalOceanDriver{
		sshTransport: sshTransport{runner: deps.Runner, logger: deps.Logger},
		deps:         deps,
		size:         doDefaultSize,
		region:       doDefaultRegion,
	}
}

func (d *digitalOceanDriver) Key() string          { return "digitalocean" }
func (d *digitalOceanDriver) DashboardURL() string { return doDashboard }
func (d *digitalOceanDriver) DefaultUser() string  { return "root" }

func (d *digitalOceanDriver) Authenticate(ctx context.Context) error {
	token, err := resolveToken(ctx, d.deps, "digitalocean", "DIGITALOCEAN_TOKEN",
		func(ctx context.Context, token string) error {
			probe := newAPIClient(doAPI, token, d.deps.Logger)
			return probe.get(ctx, "/account", nil)
		},
	)
	if err != nil {
		return err
	}
	d.api = newAPIClient(doAPI, token, d.deps.Logger)
	return nil
}

func (d *digitalOceanDriver) PromptSize(ctx context.Context) error {
	if v := os.Getenv("DIGITALOCEAN_SIZE"); v != "" {
		d.size = v
	}
	if v := os.Getenv("DIGITALOCEAN_REGION"); v != "" {
		d.region = v
	}

	if !d.deps.Interactive || d.deps.Picker == nil {
		return nil
	}

	var out struct {
		Sizes []struct {
			Slug         string   `json:"slug"`
			VCPUs        int      `json:"vcpus"`
			Memory       int      `json:"memory"`
			PriceHourly  float64  `json:"price_hourly"`
			Regions      []string `json:"regions"`
			Available    bool     `json:"available"`
		} `json:"sizes"`
	}
	if err := d.api.get(ctx, "/sizes?per_page=200", &out); err != nil {
		d.deps.Logger.Warn("could not load size catalog", zap.Error(err))
		return nil
	}

	var options []PickOption
	for _, s := range out.Sizes {
		if !s.Available || !contains(s.Regions, d.region) {
			continue
		}
		options = append(options, PickOption{
			Value: s.Slug,
			Label: s.Slug,
			Hint:  fmt.Sprintf("%d vCPU / %dMB / $%.3f/h", s.VCPUs, s.Memory, s.PriceHourly),
		})
	}
	if chosen, err := d.deps.Picker.Pick(ctx, "Droplet size", options, d.size); err == nil && chosen != "" {
		d.size = chosen
	}
	return nil
}

func (d *digitalOceanDriver) CreateServer(ctx context.Context, name, userdata string) (*Server, error) {
	if !ValidIdentifier(name) {
		return nil, errdefs.Newf(errdefs.KindValidation, "invalid server name %q", name)
	}

	req := map[string]interface{}{
		"name":      name,
		"region":    d.region,
		"size":      d.size,
		"image":     doDefaultImage,
		"user_data": userdata,
		"ssh_keys":  sshKeyFingerprints(),
	}

	var out struct {
		Droplet struct {
			ID int64 `json:"id"`
		} `json:"droplet"`
	}
	if err := d.api.post(ctx, "/droplets", req, &out); err != nil {
		return nil, errdefs.Wrap(errdefs.KindProvision, "droplet creation failed", err)
	}

	id := strconv.FormatInt(out.Droplet.ID, 10)

	// The create response carries no address yet; poll until the droplet
	// is active and has a public IPv4.
	ip, err := d.pollIP(ctx, id)
	if err != nil {
		d.deps.Logger.Error("droplet never produced an address, destroying it",
			zap.String("server_id", id),
		)
		if derr := d.Destroy(ctx, id); derr != nil {
			d.deps.Logger.Warn("best-effort cleanup failed", zap.Error(derr))
		}
		return nil, errdefs.Wrap(errdefs.KindProvision, "droplet did not become active", err)
	}

	srv := &Server{ID: id, Name: name, IP: ip, User: d.DefaultUser(), Cloud: "digitalocean"}
	if err := srv.Validate(); err != nil {
		d.deps.Logger.Error("destroying droplet with unusable identifiers",
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

	d.deps.Logger.Info("created droplet",
		zap.String("server_id", id),
		zap.String("ip", ip),
	)
	return srv, nil
}

func (d *digitalOceanDriver) pollIP(ctx context.Context, id string) (string, error) {
	deadline := time.Now().Add(3 * time.Minute)
	for time.Now().Before(deadline) {
		var out struct {
			Droplet struct {
				Status   string `json:"status"`
				Networks struct {
					V4 []struct {
						IPAddress string `json:"ip_address"`
						Type      string `json:"type"`
					} `json:"v4"`
				} `json:"networks"`
			} `json:"droplet"`
		}
		if err := d.api.get(ctx, "/droplets/"+id, &out); err != nil {
			return "", err
		}
		if out.Droplet.Status == "active" {
			for _, n := range out.Droplet.Networks.V4 {
				if n.Type == "public" {
					return n.IPAddress, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return "", fmt.Errorf("droplet %s still has no public address", id)
}

func (d *digitalOceanDriver) WaitReady(ctx context.Context, srv *Server) error {
	return d.waitReady(ctx, srv, doReadyCeiling)
}

func (d *digitalOceanDriver) Destroy(ctx context.Context, serverID string) error {
	if !ValidIdentifier(serverID) {
		return errdefs.Newf(errdefs.KindValidation, "invalid server id %q", serverID)
	}
	err := d.api.del(ctx, "/droplets/"+serverID)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.IsNotFound() {
			return nil
		}
		return fmt.Errorf("failed to destroy droplet %s (clean up manually at %s): %w",
			serverID, doDashboard, err)
	}
	return nil
}

func (d *digitalOceanDriver) List(ctx context.Context) ([]Server, error) {
	var out struct {
		Droplets []struct {
			ID       int64  `json:"id"`
			Name     string `json:"name"`
			Networks struct {
				V4 []struct {
					IPAddress string `json:"ip_address"`
					Type      string `json:"type"`
				} `json:"v4"`
			} `json:"networks"`
		} `json:"droplets"`
	}
	if err := d.api.get(ctx, "/droplets", &out); err != nil {
		return nil, err
	}

	servers := make([]Server, 0, len(out.Droplets))
	for _, dr := range out.Droplets {
		ip := ""
		for _, n := range dr.Networks.V4 {
			if n.Type == "public" {
				ip = n.IPAddress
			}
		}
		servers = append(servers, Server{
			ID:    strconv.FormatInt(dr.ID, 10),
			Name:  dr.Name,
			IP:    ip,
			User:  d.DefaultUser(),
			Cloud: "digitalocean",
		})
	}
	return servers, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// sshKeyFingerprints returns the account SSH keys to install; empty means
// the provider relies on userdata-managed access.
func sshKeyFingerprints() []string {
	if v := os.Getenv("DIGITALOCEAN_SSH_KEYS"); v != "" {
		return []string{v}
	}
	return []string{}
}
