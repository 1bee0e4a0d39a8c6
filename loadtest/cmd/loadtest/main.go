// Package main is the load test binary for the group chat server.
//
//   - seed:     print a seed file declaring the load test groups
//   - saturate: open N sockets to one group and hold them
//   - chat:     many groups exchanging messages, measuring fan-out latency
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "seed":
		runSeed(os.Args[2:])
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  seed        Print a seed file for the server's database.seed_file")
	fmt.Println("  saturate    Open N sockets to one group until the server pushes back")
	fmt.Println("  chat        Groups of members exchange messages; reports delivery latency")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// layout is the shared naming scheme for load test groups and members.
type layout struct {
	prefix  string
	groups  int
	members int
}

func (l *layout) register(fs *flag.FlagSet) {
	fs.StringVar(&l.prefix, "prefix", "load-", "Group id prefix")
	fs.IntVar(&l.groups, "groups", 10, "Number of groups")
	fs.IntVar(&l.members, "members", 10, "Members per group")
}

func (l layout) groupID(g int) string { return fmt.Sprintf("%s%d", l.prefix, g) }

func (l layout) memberID(g, m int) string { return fmt.Sprintf("%s%d-u%d", l.prefix, g, m) }

// authFlags configure token minting for the server's jwt mode.
type authFlags struct {
	secret string
	issuer string
}

func (a *authFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&a.secret, "secret", os.Getenv("JWT_SECRET"), "Server JWT secret (default $JWT_SECRET)")
	fs.StringVar(&a.issuer, "issuer", os.Getenv("JWT_ISSUER"), "Server JWT issuer (default $JWT_ISSUER)")
}

func (a authFlags) check() {
	if a.secret == "" {
		fmt.Fprintln(os.Stderr, "a JWT secret is required: pass -secret or set JWT_SECRET")
		os.Exit(2)
	}
}

// runSeed prints YAML for the server's seed file.
func runSeed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	var l layout
	l.register(fs)
	fs.Parse(args)

	fmt.Printf("# generated by loadtest seed at %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Println("groups:")
	for g := 0; g < l.groups; g++ {
		fmt.Printf("  - id: %s\n", l.groupID(g))
		fmt.Printf("    name: Load %d\n", g)
		fmt.Println("    members:")
		for m := 0; m < l.members; m++ {
			fmt.Printf("      - %s\n", l.memberID(g, m))
		}
	}
}
