package egress

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// torrcParams holds everything that ends up in one instance's generated
// torrc file.
type torrcParams struct {
	// socksPort is the local SOCKS5 listen port.
	socksPort int

	// controlPort is the local control listen port, used for in-place
	// reloads and circuit rotation.
	controlPort int

	// dataDir is the instance's private data directory.
	dataDir string

	// exitNodes is the set of exit relay fingerprints the instance is
	// constrained to. An empty set means unrestricted egress.
	exitNodes map[string]struct{}
}

// renderTorrc produces the torrc contents for the given parameters. The exit
// constraint directive is omitted entirely for an empty node set, which tor
// treats as unrestricted.
func renderTorrc(p *torrcParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "SocksPort 127.0.0.1:%d\n", p.socksPort)
	fmt.Fprintf(&b, "ControlPort 127.0.0.1:%d\n", p.controlPort)
	fmt.Fprintf(&b, "DataDirectory %s\n", p.dataDir)
	b.WriteString("CookieAuthentication 0\n")

	if len(p.exitNodes) > 0 {
		// Fingerprints are rendered sorted so repeated renders of the
		// same set produce identical files.
		nodes := make([]string, 0, len(p.exitNodes))
		for fp := range p.exitNodes {
			nodes = append(nodes, "$"+fp)
		}
		sort.Strings(nodes)

		fmt.Fprintf(&b, "ExitNodes %s\n", strings.Join(nodes, ","))
		b.WriteString("StrictNodes 1\n")
	}

	return b.String()
}

// writeTorrc renders and writes the torrc to path, creating the data
// directory alongside it. Failures are reported as ErrConfig.
func writeTorrc(path string, p *torrcParams) error {
	if err := os.MkdirAll(p.dataDir, 0700); err != nil {
		return fmt.Errorf("%w: unable to create data dir: %v",
			ErrConfig, err)
	}

	err := os.WriteFile(path, []byte(renderTorrc(p)), 0600)
	if err != nil {
		return fmt.Errorf("%w: unable to write torrc: %v",
			ErrConfig, err)
	}

	return nil
}
