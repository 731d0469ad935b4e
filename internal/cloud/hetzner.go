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
	Register("hetzner", func(deps Deps) Driver { return newHetzner(deps) })
}

const (
	hetznerAPI          = "https://api.hetzner.cloud/v1"
	hetznerDashboard    = "https://console.hetzner.cloud"
	hetznerDefaultType  = "cpx31"
	hetznerDefaultLoc   = "fsn1"
	hetznerDefaultImage = "ubuntu-24.04"
	hetznerReadyCeiling = 10 * time.Minute
)

type hetznerDriver struct {
	sshTransport
	deps Deps
	api  *apiClient

	serverType string
	location   string
}

func newHetzner(deps Deps) *hetznerDriver {
	return &hetznerDriver{
		sshTransport: sshTransport{runner: deps.Runner, logger: deps.Logger},
		deps:         deps,
		serverType:   hetznerDefaultType,
		location:     hetznerDefaultLoc,
	}
}

func (d *hetznerDriver) Key() string          { return "hetzner" }
func (d *hetznerDriver) DashboardURL() string { return hetznerDashboard }
func (d *hetznerDriver) DefaultUser() string  { return "root" }

func (d *hetznerDriver) Authenticate(ctx context.Context) error {
	token, err := resolveToken(ctx, d.deps, "hetzner", "HCLOUD_TOKEN",
		func(ctx context.Context, token string) error {
			probe := newAPIClient(hetznerAPI, token, d.deps.Logger)
			return probe.get(ctx, "/server_types?per_page=1", nil)
		},
	)
	if err != nil {
		return err
	}
	d.api = newAPIClient(hetznerAPI, token, d.deps.Logger)
	return nil
}

type hetznerServerType struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	Cores    int     `json:"cores"`
	Memory   float64 `json:"memory"`
	CPUType  string  `json:"cpu_type"`
	Prices   []struct {
		Location    string `json:"location"`
		PriceHourly struct {
			Gross string `json:"gross"`
		} `json:"price_hourly"`
	} `json:"prices"`
	Deprecated bool `json:"deprecated"`
}

func (d *hetznerDriver) PromptSize(ctx context.Context) error {
	if v := os.Getenv("HETZNER_SERVER_TYPE"); v != "" {
		d.serverType = v
	}
	if v := os.Getenv("HETZNER_LOCATION"); v != "" {
		d.location = v
	}

	if d.deps.Interactive && d.deps.Picker != nil {
		catalog, err := d.catalog(ctx)
		if err != nil {
			// Size selection is best-effort; the default still works.
			d.deps.Logger.Warn("could not load server catalog", zap.Error(err))
			return nil
		}

		options := make([]PickOption, 0, len(catalog))
		for _, t := range catalog {
			if !t.Available {
				continue
			}
			options = append(options, PickOption{
				Value: t.ID,
				Label: t.ID,
				Hint:  fmt.Sprintf("%d vCPU / %.0fGB / %.4f EUR/h", t.Cores, t.MemoryGB, t.PriceHourly),
			})
		}
		chosen, err := d.deps.Picker.Pick(ctx, "Server type", options, d.serverType)
		if err == nil && chosen != "" {
			d.serverType = chosen
		}
	}

	// If the chosen type is gone from the catalog, substitute before
	// provisioning rather than failing at create time.
	catalog, err := d.catalog(ctx)
	if err != nil {
		return nil
	}
	var requested *ServerType
	for i := range catalog {
		if catalog[i].ID == d.serverType {
			requested = &catalog[i]
			break
		}
	}
	if requested == nil || !requested.Available {
		want := ServerType{ID: d.serverType, Family: "cpx", Cores: 4, MemoryGB: 8}
		if requested != nil {
			want = *requested
		}
		chosen, err := substituteType(d.deps.Logger, want, catalog)
		if err != nil {
			return errdefs.Wrap(errdefs.KindProvision, "no viable server type", err)
		}
		d.serverType = chosen.ID
	}
	return nil
}

func (d *hetznerDriver) catalog(ctx context.Context) ([]ServerType, error) {
	var out struct {
		ServerTypes []hetznerServerType `json:"server_types"`
	}
	if err := d.api.get(ctx, "/server_types", &out); err != nil {
		return nil, err
	}

	types := make([]ServerType, 0, len(out.ServerTypes))
	for _, t := range out.ServerTypes {
		price := 0.0
		available := !t.Deprecated
		inLocation := false
		for _, p := range t.Prices {
			if p.Location == d.location {
				inLocation = true
				price, _ = strconv.ParseFloat(p.PriceHourly.Gross, 64)
			}
		}
		types = append(types, ServerType{
			ID:          t.Name,
			Family:      t.CPUType,
			Cores:       t.Cores,
			MemoryGB:    t.Memory,
			PriceHourly: price,
			Available:   available && inLocation,
		})
	}
	return types, nil
}

func (d *hetznerDriver) CreateServer(ctx context.Context, name, userdata string) (*Server, error) {
	if !ValidIdentifier(name) {
		return nil, errdefs.Newf(errdefs.KindValidation, "invalid server name %q", name)
	}

	req := map[string]interface{}{
		"name":        name,
		"server_type": d.serverType,
		"image":       hetznerDefaultImage,
		"location":    d.location,
		"user_data":   userdata,
	}

	var out struct {
		Server struct {
			ID        int64  `json:"id"`
			Name      string `json:"name"`
			PublicNet struct {
				IPv4 struct {
					IP string `json:"ip"`
				} `json:"ipv4"`
			} `json:"public_net"`
		} `json:"server"`
	}

	if err := d.api.post(ctx, "/servers", req, &out); err != nil {
		return nil, errdefs.Wrap(errdefs.KindProvision, "hetzner server creation failed", err)
	}

	srv := &Server{
		ID:    strconv.FormatInt(out.Server.ID, 10),
		Name:  out.Server.Name,
		IP:    out.Server.PublicNet.IPv4.IP,
		User:  d.DefaultUser(),
		Cloud: "hetzner",
	}

	if err := srv.Validate(); err != nil {
		// The API accepted the request but handed back something we
		// refuse to persist; tear the instance down again.
		d.deps.Logger.Error("destroying server with unusable identifiers",
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

	d.deps.Logger.Info("created server",
		zap.String("cloud", "hetzner"),
		zap.String("server_id", srv.ID),
		zap.String("ip", srv.IP),
		zap.String("server_type", d.serverType),
	)
	return srv, nil
}

func (d *hetznerDriver) WaitReady(ctx context.Context, srv *Server) error {
	return d.waitReady(ctx, srv, hetznerReadyCeiling)
}

func (d *hetznerDriver) Destroy(ctx context.Context, serverID string) error {
	if !ValidIdentifier(serverID) {
		return errdefs.Newf(errdefs.KindValidation, "invalid server id %q", serverID)
	}

	err := d.api.del(ctx, "/servers/"+serverID)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.IsNotFound() {
			d.deps.Logger.Info("server already gone", zap.String("server_id", serverID))
			return nil
		}
		return fmt.Errorf("failed to destroy server %s (clean up manually at %s): %w",
			serverID, hetznerDashboard, err)
	}
	return nil
}

func (d *hetznerDriver) List(ctx context.Context) ([]Server, error) {
	var out struct {
		Servers []struct {
			ID        int64  `json:"id"`
			Name      string `json:"name"`
			PublicNet struct {
				IPv4 struct {
					IP string `json:"ip"`
				} `json:"ipv4"`
			} `json:"public_net"`
		} `json:"servers"`
	}
	if err := d.api.get(ctx, "/servers", &out); err != nil {
		return nil, err
	}

	servers := make([]Server, 0, len(out.Servers))
	for _, s := range out.Servers {
		servers = append(servers, Server{
			ID:    strconv.FormatInt(s.ID, 10),
			Name:  s.Name,
			IP:    s.PublicNet.IPv4.IP,
			User:  d.DefaultUser(),
			Cloud: "hetzner",
		})
	}
	return servers, nil
}
