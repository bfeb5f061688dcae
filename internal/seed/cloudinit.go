package seed

import (
	"strings"
	"text/template"
)

// defaultHostname is used when the caller doesn't supply one.
const defaultHostname = "carapaceos"

// readinessSentinel is the literal token the first runcmd entry writes to
// the guest's first serial device, where it lands in the runner's serial
// log. No host-side code reads it: the runner's readiness check is the
// TCP connect plus the remote echo probe.
const readinessSentinel = "CARAPACEOS_READY"

var metaDataTmpl = template.Must(template.New("meta-data").Parse(
	"instance-id: {{.ID}}\nlocal-hostname: {{.Hostname}}\n",
))

// cloud-config document: authorised key, password auth disabled, and a
// runcmd list whose first entry writes the readiness sentinel to the
// guest's serial console. Shaped after the NoCloud cloud-config documents
// tailscale's VM test harness generates, trimmed to what this spec needs.
var userDataTmpl = template.Must(template.New("user-data").Parse(
	`#cloud-config
ssh_pwauth: false
disable_root: false
ssh_authorized_keys:
  - {{.PublicKey}}
runcmd:
  - echo {{.Sentinel}} > /dev/ttyS0
{{- range .Extra}}
  - {{.}}
{{- end}}
`))

type metaDataVars struct {
	ID       string
	Hostname string
}

type userDataVars struct {
	PublicKey string
	Sentinel  string
	Extra     []string
}

// renderMetaData renders the meta-data cloud-init document.
func renderMetaData(instanceID, hostname string) []byte {
	if hostname == "" {
		hostname = defaultHostname
	}
	var buf strings.Builder
	// template.Execute only fails on a malformed template, never on data;
	// both templates above are package-level constants validated at init.
	_ = metaDataTmpl.Execute(&buf, metaDataVars{ID: instanceID, Hostname: hostname})
	return []byte(buf.String())
}

// renderUserData renders the user-data cloud-config document. extra
// commands are appended to runcmd in order, each already quoted as a YAML
// scalar by the caller (see quoteYAMLScalar).
func renderUserData(publicKey string, extra []string) []byte {
	var buf strings.Builder
	_ = userDataTmpl.Execute(&buf, userDataVars{
		PublicKey: publicKey,
		Sentinel:  readinessSentinel,
		Extra:     extra,
	})
	return []byte(buf.String())
}

// quoteYAMLScalar wraps s as a single-quoted YAML scalar (doubling any
// embedded single quote, the YAML 1.1 escape for that style), so
// caller-supplied extra commands land in the runcmd list safely regardless
// of colons, brackets, or other YAML-significant characters they contain.
func quoteYAMLScalar(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
