package libbtcnet

import "github.com/NirvanaNimbusa/libbtcnet/internal/btclog"

// log is the package-level subsystem logger. It discards everything
// until the embedding application calls UseLogger, the same convention
// the teacher's binaries use to wire a btclog.Logger into a library
// package that has no main() of its own.
var log = btclog.Disabled

// UseLogger redirects the package's internal diagnostic logging to the
// supplied logger. Call it before Handler.Start if log output is wanted;
// the default is a disabled logger that does no work.
func UseLogger(logger btclog.Logger) {
	log = logger
}
