package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"

	"github.com/cagerun/cage/internal/policy"
)

// Context is threaded through every command's Run method, the way the
// teacher's cmd/sand/main.go builds one *Context and hands it to
// ctx.Run(&Context{...}).
type Context struct {
	AppBaseDir string
	Policy     policy.Policy
}

type CLI struct {
	LogFile  string `default:"" placeholder:"<log-file-path>" predictor:"file" help:"rotating log file path (empty logs to stderr)"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`

	BypassACL       bool   `help:"bypass the filesystem ACL gate on every broker syscall"`
	ValidatorPolicy string `help:"opaque policy tag handed to the code validator collaborator"`
	HighResTimer    bool   `help:"report real clock resolution instead of the coarsened default"`
	MaxChildren     int    `default:"64" help:"default bound on a cage's children array"`

	Run      RunCmd      `cmd:"" help:"create a main cage, fork children, wait for them, and print ps output"`
	Ps       PsCmd       `cmd:"" help:"list cages known to a freshly created runtime"`
	Attach   AttachCmd   `cmd:"" help:"attach a local terminal to an in-runtime console pipe slot"`
	Identity IdentityCmd `cmd:"" help:"mint a runtime signing identity and demonstrate crash attestation"`
	Version  VersionCmd  `cmd:"" help:"print build version information"`
}

const description = `Host and orchestrate in-process syscall-sandboxed cages.`

func main() {
	var cli CLI

	parser, err := kong.New(&cli,
		kong.Configuration(kongyaml.Loader, "cagerun.yaml", "~/.cagerun.yaml"),
		kong.Description(description))
	if err != nil {
		fmt.Fprintf(os.Stderr, "kong init: %v\n", err)
		os.Exit(1)
	}
	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("file", complete.PredictFiles("*")))

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := initSlog(cli.LogFile, cli.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "log init: %v\n", err)
		os.Exit(1)
	}

	shutdownTracing, err := initTracing()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracing init: %v\n", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	appBaseDir, err := appHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "app home dir: %v\n", err)
		os.Exit(1)
	}

	runCtx := &Context{
		AppBaseDir: appBaseDir,
		Policy: policy.Policy{
			BypassACL:               cli.BypassACL,
			ValidatorPolicy:         cli.ValidatorPolicy,
			EnableExceptionHandling: true,
			HighResTimer:            cli.HighResTimer,
			MaxChildren:             cli.MaxChildren,
		},
	}
	err = kctx.Run(runCtx)
	kctx.FatalIfErrorf(err)
}
