package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/agonn78/p2p-chat/internal/api"
	"github.com/agonn78/p2p-chat/internal/chat"
	"github.com/agonn78/p2p-chat/internal/config"
	"github.com/agonn78/p2p-chat/internal/profile"
	"github.com/agonn78/p2p-chat/internal/tui"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	kind := flag.String("kind", "dm", "conversation kind: dm or channel")
	target := flag.String("target", "", "user or channel id to open")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatalf("error: %v", err)
	}
	if _, err := chat.ParseKind(*kind); err != nil {
		fatalf("error: %v", err)
	}
	if *target == "" {
		fatalf("error: --target is required")
	}

	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fatalf("error: load config: %v", err)
	}

	socketPath := profile.SocketPath(name)

	// Probe daemon health; auto-start if needed.
	if !probeDaemon(socketPath) {
		fmt.Fprintf(os.Stderr, "daemon not running for profile %q, starting...\n", name)
		if err := startDaemon(name); err != nil {
			fatalf("failed to start daemon: %v", err)
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			fatalf("daemon did not become ready")
		}
	}

	c, err := api.Dial(socketPath)
	if err != nil {
		fatalf("connect to daemon: %v", err)
	}
	defer func() { _ = c.Close() }()

	app := tui.NewApp(c, tui.Options{
		Kind:     *kind,
		Target:   *target,
		SelfID:   cfg.Server.UserID,
		PageSize: cfg.History.PageSize,
	})
	if err := app.Run(); err != nil {
		fatalf("error: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// probeDaemon checks if a daemon is running and responsive on the socket.
func probeDaemon(socketPath string) bool {
	c, err := api.Dial(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = c.GetStatus(ctx)
	return err == nil
}

func startDaemon(name string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	chatd := filepath.Join(filepath.Dir(executable), "chatd")

	if _, err := os.Stat(chatd); err != nil {
		chatd = "chatd"
	}

	cmd := exec.Command(chatd, "--profile", name)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls the daemon with a real gRPC call, not just a socket connect.
func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeDaemon(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}
