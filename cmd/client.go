package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/apc-dev/apc/internal/rpc"
)

// daemonAddr resolves where client subcommands connect: --addr flag,
// APC_ADDR env, then localhost on the configured api_port.
func daemonAddr() string {
	if addrFlag != "" {
		return addrFlag
	}
	if env := os.Getenv("APC_ADDR"); env != "" {
		return env
	}
	return fmt.Sprintf("127.0.0.1:%d", cfg.APIPort)
}

// call sends one command envelope to the daemon and prints the data
// payload as indented JSON. Transport errors and command failures both
// become the process error; cobra renders them on stderr.
func call(cmd string, params map[string]any) error {
	addr := daemonAddr()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := rpc.NewClient(addr).Call(ctx, cmd, params)
	if err != nil {
		return fmt.Errorf("%s: %w (is the daemon running on %s?)", cmd, err, addr)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	if resp.Data == nil {
		fmt.Println("ok")
		return nil
	}
	out, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// jsonFlag parses a --payload/--data/--meta style flag value into the
// map shape the envelope expects. Empty means absent.
func jsonFlag(flag, value string) (map[string]any, error) {
	if value == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return m, nil
}
