package casregistry

// Usage restricts which binaries offer a backend.
type Usage uint8

const (
	// UsageCLI marks backends usable from the ecotrace CLI.
	UsageCLI Usage = 1 << iota
	// UsageDaemon marks backends usable from ecotrace-ledgerd.
	UsageDaemon
	// UsageAPI marks backends usable from the embedded ledger of ecotrace-api.
	UsageAPI
)

func (u Usage) allows(want Usage) bool { return u&want != 0 }
