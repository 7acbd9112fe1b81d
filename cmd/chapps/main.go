// Command chapps is the CHAPPS policy delegation daemon: it wires the
// configured Redis cache, relational adapter and the four policies
// into the outbound (SDA→OQP) and inbound (SPF→GRL) TCP services
// described by spec.md §4.7–§4.8, following the teacher's cmd/maddy
// convention of a thin main.go delegating into internal/cli.
package main

import (
	chappscli "github.com/chapps-dev/chapps/internal/cli"
)

func main() {
	chappscli.Run()
}
