package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spawnhq/spawn/pkg/errdefs"
	"go.uber.org/zap"
)

func init() {
	Register("vultr", func(deps Deps) Driver { return newVultr(deps) })
}

const (
	vultrAPI           = "https://api.vultr.com/v2"
	vultrDashboard     = "https://my.vultr.com"
	vultrDefaultPlan   = "vc2-4c-8gb"
	vultrDefaultRegion = "ewr"
	vultrUbuntuOSID    = 2284
	vultrReadyCeiling  = 10 * time.Minute
)

type vultrDriver struct {
	sshTransport
	deps Deps
	api  *apiClient

	plan   string
	region string
}

func newVultr(deps Deps) *vultrDriver {
	return &vultrDriver{
		sshTransport: sshTransport{runner: deps.Runner, logger: deps.Logger},
		deps:         deps,
		plan:         vultrDefaultPlan,
		region:       vultrDefaultRegion,
	}
}

func (d *vultrDriver) Key() string          { return "vultr" }
func (d *vultrDriver) DashboardURL() string { return vultrDashboard }
func (d *vultrDriver) DefaultUser() string  { return "root" }

func (d *vultrDriver) Authenticate(ctx context.Context) error {
	token, err := resolveToken(ctx, d.deps, "vultr", "VULTR_API_KEY",
		func(ctx context.Context, token string) error {
			probe := newAPIClient(vultrAPI, token, d.deps.Logger)
			return probe.get(ctx, "/account", nil)
		},
	)
	if err != nil {
		return err
	}
	d.api = newAPIClient(vultrAPI, token, d.deps.Logger)
	return nil
}

func (d *vultrDriver) PromptSize(ctx context.Context) error {
	if v := os.Getenv("VULTR_PLAN"); v != "" {
		d.plan = v
	}
	if v := os.Getenv("VULTR_REGION"); v != "" {
		d.region = v
	}

	if !d.deps.Interactive || d.deps.Picker == nil {
		return nil
	}

	var out struct {
		Plans []struct {
			ID          string   `json:"id"`
			VCPUCount   int      `json:"vcpu_count"`
			RAM         int      `json:"ram"`
			HourlyCost  float64  `json:"hourly_cost"`
			Locations   []string `json:"locations"`
		} `json:"plans"`
	}
	if err := d.api.get(ctx, "/plans?per_page=500", &out); err != nil {
		d.deps.Logger.Warn("could not load plan catalog", zap.Error(err))
		return nil
	}

	var options []PickOption
	for _, p := range out.Plans {
		if !contains(p.Locations, d.region) {
			continue
		}
		options = append(options, PickOption{
			Value: p.ID,
			Label: p.ID,
			Hint:  fmt.Sprintf("%d vCPU / %dMB / $%.3f/h", p.VCPUCount, p.RAM, p.HourlyCost),
		})
	}
	if chosen, err := d.deps.Picker.Pick(ctx, "Instance plan", options, d.plan); err == nil && chosen != "" {
		d.plan = chosen
	}
	return nil
}

func (d *vultrDriver) CreateServer(ctx context.Context, name, userdata string) (*Server, error) {
	if !ValidIdentifier(name) {
		return nil, errdefs.Newf(errdefs.KindValidation, "invalid server name %q", name)
	}

	req := map[string]interface{}{
		"label":      name,
		"hostname":   name,
		"region":     d.region,
		"plan":       d.plan,
		"os_id":      vultrUbuntuOSID,
		"user_data":  base64.StdEncoding.EncodeToString([]byte(userdata)),
	}

	var out struct {
		Instance struct {
			ID     string `json:"id"`
			MainIP string `json:"main_ip"`
		} `json:"instance"`
	}
	if err := d.api.post(ctx, "/instances", req, &out); err != nil {
		return nil, errdefs.Wrap(errdefs.KindProvision, "vultr instance creation failed", err)
	}

	id := out.Instance.ID
	ip, err := d.pollIP(ctx, id)
	if err != nil {
		d.deps.Logger.Error("instance never produced an address, destroying it",
			zap.String("server_id", id),
		)
		if derr := d.Destroy(ctx, id); derr != nil {
			d.deps.Logger.Warn("best-effort cleanup failed", zap.Error(derr))
		}
		return nil, errdefs.Wrap(errdefs.KindProvision, "vultr instance did not become active", err)
	}

	srv := &Server{ID: id, Name: name, IP: ip, User: d.DefaultUser(), Cloud: "vultr"}
	if err := srv.Validate(); err != nil {
		d.deps.Logger.Error("destroying instance with unusable identifiers",
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

func (d *vultrDriver) pollIP(ctx context.Context, id string) (string, error) {
	deadline := time.Now().Add(3 * time.Minute)
	for time.Now().Before(deadline) {
		var out struct {
			Instance struct {
				MainIP string `json:"main_ip"`
				Status string `json:"status"`
			} `json:"instance"`
		}
		if err := d.api.get(ctx, "/instances/"+id, &out); err != nil {
			return "", err
		}
		if out.Instance.Status == "active" && out.Instance.MainIP != "" && out.Instance.MainIP != "0.0.0.0" {
			return out.Instance.MainIP, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return "", fmt.Errorf("instance %s still has no public address", id)
}

func (d *vultrDriver) WaitReady(ctx context.Context, srv *Server) error {
	return d.waitReady(ctx, srv, vultrReadyCeiling)
}

func (d *vultrDriver) Destroy(ctx context.Context, serverID string) error {
	if !ValidIdentifier(serverID) {
		return errdefs.Newf(errdefs.KindValidation, "invalid server id %q", serverID)
	}
	err := d.api.del(ctx, "/instances/"+serverID)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.IsNotFound() {
			return nil
		}
		return fmt.Errorf("failed to destroy instance %s (clean up manually at %s): %w",
			serverID, vultrDashboard, err)
	}
	return nil
}

func (d *vultrDriver) List(ctx context.Context) ([]Server, error) {
	var out struct {
		Instances []struct {
			ID     string `json:"id"`
			Label  string `json:"label"`
			MainIP string `json:"main_ip"`
		} `json:"instances"`
	}
	if err := d.api.get(ctx, "/instances", &out); err != nil {
		return nil, err
	}

	servers := make([]Server, 0, len(out.Instances))
	for _, inst := range out.Instances {
		servers = append(servers, Server{
			ID:    inst.ID,
			Name:  inst.Label,
			IP:    inst.MainIP,
			User:  d.DefaultUser(),
			Cloud: "vultr",
		})
	}
	return servers, nil
}
