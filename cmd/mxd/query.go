package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/infodancer/mxd/internal/tcpmap"
)

// runQuery sends "get <key>" for each argument to a running map and prints
// the replies, like postmap -q. It returns 0 when every key was found,
// 1 when any lookup failed and 2 on usage or connection errors.
func runQuery(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	address := fs.String("address", "127.0.0.1:4242", "Map listener address")
	timeout := fs.Duration("timeout", 10*time.Second, "Connection and request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	keys := fs.Args()
	if len(keys) == 0 {
		fmt.Fprintln(stderr, "usage: mxd query [-address host:port] [-timeout d] key...")
		return 2
	}

	client, err := tcpmap.Dial(context.Background(), *address, *timeout)
	if err != nil {
		fmt.Fprintf(stderr, "query: %v\n", err)
		return 2
	}
	defer func() { _ = client.Close() }()

	status := 0
	for _, key := range keys {
		reply, err := client.Get(key)
		if err != nil {
			fmt.Fprintf(stderr, "query %s: %v\n", key, err)
			return 2
		}
		fmt.Fprintln(stdout, reply.String())
		if reply.Code != tcpmap.CodeSuccess {
			status = 1
		}
	}
	return status
}
