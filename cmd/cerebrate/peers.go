package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryandielhenn/cerebrate/internal/config"
	"github.com/ryandielhenn/cerebrate/internal/sysinfo"
	"github.com/ryandielhenn/cerebrate/pkg/registry"
)

func openRegistry(cfg config.Config) (*registry.Registry, error) {
	id, err := sysinfo.NodeID(cfg.ID, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return registry.Open(cfg.Path("peers.db"), id, nil)
}

func peersCmd(load loader, output *string) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List the peer records stored by this node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer reg.Close()

			recs, err := reg.All()
			if err != nil {
				return err
			}
			return emit(os.Stdout, *output, recs, func() string { return peerTable(recs, reg.Self()) })
		},
	}
}

func peerTable(recs []registry.PeerRecord, self string) string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		id := r.ID
		if id == self {
			id = accent(id)
		}
		seen := muted("never")
		if !r.LastContact.IsZero() {
			seen = r.LastContact.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{id, r.Name, r.Address, r.Location, r.Role.String(), r.Status.String(), seen})
	}
	return renderTable([]string{"ID", "NAME", "ADDRESS", "LOCATION", "ROLE", "STATUS", "LAST CONTACT"}, rows)
}
