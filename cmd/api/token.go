package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"wahub/internal/httpserver"
)

// issueToken implements "api token -tenant acme [-role admin] [-ttl 24h]".
// It signs with JWT_SECRET and prints the token to stdout.
func issueToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant id")
	role := fs.String("role", "", "optional role, e.g. admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime, 0 for none")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	secret := os.Getenv("JWT_SECRET")
	if *tenant == "" || secret == "" {
		fmt.Fprintln(os.Stderr, "token: -tenant and JWT_SECRET are required")
		return 2
	}
	tok, err := httpserver.IssueToken([]byte(secret), *tenant, *role, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "token:", err)
		return 1
	}
	fmt.Println(tok)
	return 0
}
