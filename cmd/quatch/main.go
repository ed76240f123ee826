// Quatch CLI - links compiled C into Quake 3 VM images and redirects calls
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	debug := flag.Bool("debug", false, "Log linker details")
	logFile := flag.String("log", "", "Write log to file instead of stderr")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: quatch [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Patches Quake 3 .qvm images with code compiled by lcc.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  patch [dir]                      Apply the quatch.toml found in dir or above\n")
		fmt.Fprintf(os.Stderr, "  info <image>                     Show header, segments and checksum\n")
		fmt.Fprintf(os.Stderr, "  disasm [-symbols file] <image>   Disassemble an image\n")
		fmt.Fprintf(os.Stderr, "  calls [-symbols file] <image>    List call targets with their call counts\n")
		fmt.Fprintf(os.Stderr, "  symbols import <db> <image> <file>  Store a symbol file for an image\n")
		fmt.Fprintf(os.Stderr, "  symbols list <db>                Show the images a database knows\n")
		fmt.Fprintf(os.Stderr, "  symbols export <db> <image>      Print an image's symbols as TOML\n")
		fmt.Fprintf(os.Stderr, "\nSymbol files are TOML tables of name = address, or link maps (.map).\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  quatch patch                     # Patch using ./quatch.toml\n")
		fmt.Fprintf(os.Stderr, "  quatch -v calls qagame.qvm       # Who calls what, and how often\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	if *debug {
		verbosity = 2
	}
	var logPath *string
	if *logFile != "" {
		logPath = logFile
	}
	commonlog.Configure(verbosity, logPath)

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"patch"}
	}

	var err error
	switch args[0] {
	case "patch":
		err = handlePatchCommand(args[1:], *verbose)
	case "info":
		err = handleInfoCommand(args[1:])
	case "disasm":
		err = handleDisasmCommand(args[1:])
	case "calls":
		err = handleCallsCommand(args[1:])
	case "symbols":
		err = handleSymbolsCommand(args[1:], *verbose)
	case "help":
		flag.Usage()
	default:
		flag.Usage()
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
