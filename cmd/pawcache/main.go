// Command pawcache serves the dog-walking marketplace caches over HTTP and
// inspects their persisted state.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config    string `help:"Path to the YAML config file." env:"PAWCACHE_CONFIG" short:"c"`
	LogLevel  string `help:"Log level (${enum})." enum:"debug,info,warn,error" default:"info" env:"PAWCACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format (${enum})." enum:"text,json,pretty" default:"text" env:"PAWCACHE_LOG_FORMAT"`
	OPBinary  string `help:"1Password CLI used by the op credentials function." name:"op-binary" default:"op" env:"PAWCACHE_OP_BINARY"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the cache server."`
	Inspect InspectCmd `cmd:"" help:"Print a summary of a persisted cache snapshot."`
	Purge   PurgeCmd   `cmd:"" help:"Replace persisted cache snapshots with empty ones."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("pawcache"),
		kong.Description("Bounded TTL cache server with soft-LRU eviction and persistence."),
		kong.UsageOnError(),
	)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
