// Package seed builds the per-boot cloud-init provisioning disk: a small
// ISO 9660 image carrying meta-data and user-data documents that inject an
// SSH public key, disable password authentication, and mark first-boot
// readiness. It is pure and deterministic given its inputs — the only
// non-deterministic input is the default instance ID, which is derived
// from the current time specifically so repeated calls produce distinct
// identifiers (see BuildSeed).
package seed

import (
	"fmt"
	"os"
	"time"

	"github.com/clark235/carapaceos/internal/apierr"
)

// VolumeLabel is the mandatory ISO 9660 volume identifier. The guest's
// first-boot agent locates this seed by volume label, so it must be
// exactly this value.
const VolumeLabel = "CIDATA"

// Options configures BuildSeed. AuthorizedPublicKey and OutputPath are
// required; the rest have spec-defined defaults.
type Options struct {
	AuthorizedPublicKey string
	OutputPath          string

	// Hostname defaults to "carapaceos".
	Hostname string

	// InstanceID defaults to a timestamp-derived unique value.
	InstanceID string

	// ExtraFirstBootCommands are appended to runcmd, in order, after the
	// mandatory readiness-sentinel write.
	ExtraFirstBootCommands []string
}

// BuildSeed assembles a minimal ISO 9660 image at opts.OutputPath
// containing the meta-data and user-data cloud-init documents described by
// opts. See internal/seed/iso9660.go for the on-disk layout.
func BuildSeed(opts Options) error {
	if opts.AuthorizedPublicKey == "" {
		return apierr.New(apierr.Usage, "authorized public key is required")
	}
	if opts.OutputPath == "" {
		return apierr.New(apierr.Usage, "output path is required")
	}

	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = defaultInstanceID()
	}

	extra := make([]string, len(opts.ExtraFirstBootCommands))
	for i, c := range opts.ExtraFirstBootCommands {
		extra[i] = quoteYAMLScalar(c)
	}

	metaData := renderMetaData(instanceID, opts.Hostname)
	userData := renderUserData(opts.AuthorizedPublicKey, extra)

	files := []isoFile{
		{name8_3: "META_DAT.;1", data: metaData},
		{name8_3: "USER_DAT.;1", data: userData},
	}

	f, err := os.Create(opts.OutputPath)
	if err != nil {
		return fmt.Errorf("seed: create %s: %w", opts.OutputPath, err)
	}
	defer f.Close()

	if err := writeISO9660(f, files, VolumeLabel); err != nil {
		return fmt.Errorf("seed: write iso: %w", err)
	}
	return nil
}

// defaultInstanceID derives a unique identifier from the current time at
// millisecond resolution, so two calls made at different milliseconds
// always produce different IDs (the property the seed round-trip test
// exercises).
func defaultInstanceID() string {
	return fmt.Sprintf("carapaceos-%d", time.Now().UnixMilli())
}
