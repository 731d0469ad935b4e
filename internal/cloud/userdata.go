package cloud

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/spawnhq/spawn/internal/manifest"
)

// ReadyMarker is touched by cloud-init as its last act; WaitReady polls
// for it.
const ReadyMarker = "/var/lib/spawn/.cloud-init-done"

// userdataTemplate builds the first-boot script. The package set grows
// with the tier: minimal covers fetch-and-unpack tooling, full adds the
// language runtimes most agents want, heavy adds Node and Bun on top.
const userdataTemplate = `#!/bin/bash
set -euo pipefail
export DEBIAN_FRONTEND=noninteractive

mkdir -p /var/lib/spawn

apt-get update -y
apt-get install -y curl unzip git
{{- if .Full}}

apt-get install -y build-essential python3 python3-pip python3-venv jq ripgrep tmux
{{- end}}
{{- if .Heavy}}

curl -fsSL https://deb.nodesource.com/setup_22.x | bash -
apt-get install -y nodejs
su - {{.User}} -c 'curl -fsSL https://bun.sh/install | bash' || true
{{- end}}

touch {{.Marker}}
`

var userdataTmpl = template.Must(template.New("userdata").Parse(userdataTemplate))

// Userdata renders the cloud-init script for an agent's declared tier.
func Userdata(tier manifest.Tier, user string) (string, error) {
	if user == "" {
		user = "root"
	}

	data := struct {
		Full   bool
		Heavy  bool
		User   string
		Marker string
	}{
		Full:   tier == manifest.TierFull || tier == manifest.TierHeavy,
		Heavy:  tier == manifest.TierHeavy,
		User:   user,
		Marker: ReadyMarker,
	}

	var buf bytes.Buffer
	if err := userdataTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render userdata: %w", err)
	}
	return buf.String(), nil
}
