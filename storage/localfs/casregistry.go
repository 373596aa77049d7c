package localfs

import (
	"flag"
	"fmt"

	"github.com/Moon-Elf/ecotrace/storage"
	"github.com/Moon-Elf/ecotrace/storage/casregistry"
)

var flagDir string

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "localfs",
		Description: "Ledger blocks as read-only files under a directory",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon | casregistry.UsageAPI,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagDir, "localfs-dir", "", "block directory (for --backend=localfs)")
		},
		Open: func() (storage.CAS, func() error, error) {
			if flagDir == "" {
				return nil, nil, fmt.Errorf("missing --localfs-dir")
			}
			s, err := New(flagDir)
			return s, nil, err
		},
	})
}
