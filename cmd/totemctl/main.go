// Package main implements totemctl, a thin IPC client for totemd's
// client-facing surface (§6), grounded on the teacher's cmd/bee/main.go
// command-switch CLI shape.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/coro-totem/totemcore/pkg/ipc"
	"github.com/coro-totem/totemcore/pkg/totemerr"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("totemctl %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	case "membership":
		runMembership(os.Args[2:])
	case "quorum":
		runQuorum(os.Args[2:])
	case "confdb-dump":
		runConfdbDump(os.Args[2:])
	case "confdb-get":
		runConfdbGet(os.Args[2:])
	case "confdb-set":
		runConfdbSet(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`totemctl v%s - Totem single-ring protocol control client

Usage:
  totemctl <command> [options]

Commands:
  membership <group> [--socket path]           Show a CPG group's membership
  quorum [--socket path]                       Show the current quorum verdict
  confdb-dump [--socket path]                  Dump the whole confdb-lite tree as CBOR, hex-encoded
  confdb-get <path/to/section> <key> [--socket path]
  confdb-set <path/to/section> <key> <value> [--socket path]
  version                                      Show version information
  help                                         Show this help message

--socket defaults to /var/run/totemd.sock.
`, version)
}

func socketFlag(args []string) (string, []string) {
	socket := "/var/run/totemd.sock"
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" && i+1 < len(args) {
			socket = args[i+1]
			i++
			continue
		}
		out = append(out, args[i])
	}
	return socket, out
}

func dial(socket string) (net.Conn, error) {
	return net.DialTimeout("unix", socket, 5*time.Second)
}

func request(socket string, h ipc.Header, body interface{}) (ipc.Header, []byte, error) {
	conn, err := dial(socket)
	if err != nil {
		return ipc.Header{}, nil, fmt.Errorf("connect to %s: %w", socket, err)
	}
	defer conn.Close()

	if err := ipc.WriteFrame(conn, h, body); err != nil {
		return ipc.Header{}, nil, fmt.Errorf("write request: %w", err)
	}
	respHeader, respBody, err := ipc.ReadFrame(conn)
	if err != nil {
		return ipc.Header{}, nil, fmt.Errorf("read response: %w", err)
	}
	if respHeader.Error != 0 {
		return respHeader, respBody, fmt.Errorf("server error: %s", totemerr.CodeName(respHeader.Error))
	}
	return respHeader, respBody, nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "totemctl: %v\n", err)
	os.Exit(1)
}

func runMembership(args []string) {
	socket, rest := socketFlag(args)
	if len(rest) < 1 {
		fail(fmt.Errorf("usage: totemctl membership <group>"))
	}
	_, body, err := request(socket, ipc.Header{ServiceID: ipc.ServiceCPG, MessageID: ipc.MsgCPGMembershipGet},
		struct {
			Group string `json:"group"`
		}{rest[0]})
	if err != nil {
		fail(err)
	}
	var records []struct {
		Node uint32 `json:"node"`
		Pid  uint32 `json:"pid"`
	}
	if err := json.Unmarshal(body, &records); err != nil {
		fail(fmt.Errorf("decode response: %w", err))
	}
	for _, r := range records {
		fmt.Printf("%d\t%d\n", r.Node, r.Pid)
	}
}

func runQuorum(args []string) {
	socket, _ := socketFlag(args)
	_, body, err := request(socket, ipc.Header{ServiceID: ipc.ServiceQuorum, MessageID: ipc.MsgQuorumGet}, nil)
	if err != nil {
		fail(err)
	}
	var resp struct {
		Quorate     bool `json:"quorate"`
		MemberCount int  `json:"member_count"`
		Threshold   int  `json:"threshold"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fail(fmt.Errorf("decode response: %w", err))
	}
	fmt.Printf("quorate: %v\nmembers: %d\nthreshold: %d\n", resp.Quorate, resp.MemberCount, resp.Threshold)
}

func runConfdbDump(args []string) {
	socket, _ := socketFlag(args)
	_, body, err := request(socket, ipc.Header{ServiceID: ipc.ServiceConfdb, MessageID: ipc.MsgConfdbDump}, nil)
	if err != nil {
		fail(err)
	}
	var resp struct {
		Dump []byte `json:"dump"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fail(fmt.Errorf("decode response: %w", err))
	}
	fmt.Printf("%x\n", resp.Dump)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func runConfdbGet(args []string) {
	socket, rest := socketFlag(args)
	if len(rest) < 2 {
		fail(fmt.Errorf("usage: totemctl confdb-get <path/to/section> <key>"))
	}
	_, body, err := request(socket, ipc.Header{ServiceID: ipc.ServiceConfdb, MessageID: ipc.MsgConfdbGet},
		struct {
			Path []string `json:"path"`
			Key  string   `json:"key"`
		}{splitPath(rest[0]), rest[1]})
	if err != nil {
		fail(err)
	}
	var resp struct {
		Value []byte `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fail(fmt.Errorf("decode response: %w", err))
	}
	fmt.Println(string(resp.Value))
}

func runConfdbSet(args []string) {
	socket, rest := socketFlag(args)
	if len(rest) < 3 {
		fail(fmt.Errorf("usage: totemctl confdb-set <path/to/section> <key> <value>"))
	}
	_, _, err := request(socket, ipc.Header{ServiceID: ipc.ServiceConfdb, MessageID: ipc.MsgConfdbSet},
		struct {
			Path  []string `json:"path"`
			Key   string   `json:"key"`
			Value []byte   `json:"value"`
		}{splitPath(rest[0]), rest[1], []byte(rest[2])})
	if err != nil {
		fail(err)
	}
	fmt.Println("ok")
}
