package casregistry

import (
	"flag"

	"github.com/Moon-Elf/ecotrace/storage"
)

func init() {
	MustRegister(Backend{
		Name:          "memory",
		Description:   "In-process block store; contents are lost on exit",
		Usage:         UsageCLI | UsageDaemon | UsageAPI,
		RegisterFlags: func(*flag.FlagSet) {},
		Open: func() (storage.CAS, func() error, error) {
			return storage.NewMemory(), nil, nil
		},
	})
}
