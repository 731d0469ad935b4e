package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spawnhq/spawn/internal/cloud"
	"github.com/spawnhq/spawn/pkg/errdefs"
)

// LastConnection is what the cloud driver writes the moment a server
// exists; the headless bridge and reconnect read it back.
type LastConnection struct {
	Cloud      string `json:"cloud"`
	IP         string `json:"ip_address"`
	User       string `json:"ssh_user"`
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
	LaunchCmd  string `json:"launch_cmd,omitempty"`
}

// WriteLastConnection persists connection details atomically, mode 0600.
func WriteLastConnection(path string, srv *cloud.Server, launchCmd string) error {
	lc := LastConnection{
		Cloud:      srv.Cloud,
		IP:         srv.IP,
		User:       srv.User,
		ServerID:   srv.ID,
		ServerName: srv.Name,
		LaunchCmd:  launchCmd,
	}

	body, err := json.MarshalIndent(lc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode connection details: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".last-connection-*")
	if err != nil {
		return fmt.Errorf("failed to write connection details: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write connection details: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadLastConnection loads and re-validates the most recent connection
// field by field before anything surfaces it.
func ReadLastConnection(path string) (*LastConnection, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no connection details at %s: %w", path, err)
	}

	var lc LastConnection
	if err := json.Unmarshal(body, &lc); err != nil {
		return nil, tamperError(path, err)
	}

	if !cloud.ValidIP(lc.IP) {
		return nil, tamperError(path, fmt.Errorf("invalid ip %q", lc.IP))
	}
	if !cloud.ValidUser(lc.User) {
		return nil, tamperError(path, fmt.Errorf("invalid user %q", lc.User))
	}
	if lc.ServerID != "" && !cloud.ValidIdentifier(lc.ServerID) {
		return nil, tamperError(path, fmt.Errorf("invalid server_id %q", lc.ServerID))
	}
	if lc.ServerName != "" && !cloud.ValidIdentifier(lc.ServerName) {
		return nil, tamperError(path, fmt.Errorf("invalid server_name %q", lc.ServerName))
	}
	if !keyPattern.MatchString(lc.Cloud) {
		return nil, tamperError(path, fmt.Errorf("invalid cloud %q", lc.Cloud))
	}
	if lc.LaunchCmd != "" && (len(lc.LaunchCmd) > maxLaunchLen || !launchCmdPattern.MatchString(lc.LaunchCmd)) {
		return nil, errdefs.Wrap(errdefs.KindValidation,
			fmt.Sprintf("history may be corrupted or tampered (%s)", path),
			fmt.Errorf("invalid launch_cmd"))
	}
	return &lc, nil
}
