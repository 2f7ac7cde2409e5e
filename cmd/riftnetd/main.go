// Command riftnetd runs the UDP transport dispatcher and offers a
// profile-cbor utility for encoding/decoding QoS profile overrides,
// mirroring bf's flag-based subcommand dispatch.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/riftnet/transport/dispatch"
	"github.com/riftnet/transport/integrity"
	"github.com/riftnet/transport/internal/config"
	"github.com/riftnet/transport/qos"
	"github.com/riftnet/transport/qos/cborprofile"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "profile-cbor":
		runProfileCBOR(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: riftnetd <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve         Run the transport dispatcher")
	fmt.Fprintln(os.Stderr, "  profile-cbor  Encode/decode a QoS profile override")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  riftnetd serve --config server.json")
	fmt.Fprintln(os.Stderr, "  riftnetd profile-cbor -in profile.json -out profile.cbor")
	fmt.Fprintln(os.Stderr, "  riftnetd profile-cbor -decode -in profile.cbor -out profile.json")
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to JSON dispatcher config file")
	port := fs.Int("port", 0, "override the listen port")
	logLevel := fs.String("log-level", "", "override log level (debug|info|warn|error)")
	integrityKeyFile := fs.String("integrity-key-file", "", "path to file containing the base64 integrity challenge key")
	enableHwidBan := fs.Bool("enable-hwid-ban", false, "override enable_hwid_ban")
	_ = fs.Parse(args)

	cfg := dispatch.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadJSONFile(*configPath, &cfg); err != nil {
			log.Fatalf("config error: %v", err)
		}
	}

	overrides := map[string]func(){
		"port":            func() { cfg.Port = *port },
		"log-level":       func() { cfg.LogLevel = *logLevel },
		"enable-hwid-ban": func() { cfg.EnableHwidBan = *enableHwidBan },
	}
	fs.Visit(func(f *flag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	challenger, err := resolveChallenger(*integrityKeyFile)
	if err != nil {
		log.Fatalf("integrity key error: %v", err)
	}

	var hwidGate integrity.HWIDGate
	if cfg.EnableHwidBan {
		hwidGate = integrity.NoopHWIDGate{}
	}

	catalog := qos.NewCatalog()

	onMessage := func(m dispatch.Message) {
		slog.Debug("delivered", "client", m.ClientID, "bytes", len(m.Payload))
	}

	d, err := dispatch.New(cfg, catalog, challenger, hwidGate, onMessage)
	if err != nil {
		log.Fatalf("dispatcher init error: %v", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("riftnetd listening on %s", d.Addr())
	runTickLoop(ctx, d, cfg)
	log.Printf("riftnetd stopped")
}

// runTickLoop drives Tick at cfg.TickRate Hz until ctx is cancelled,
// the same cooperative single-threaded model dispatch.Dispatcher
// requires: exactly one goroutine ever calls Tick.
func runTickLoop(ctx context.Context, d *dispatch.Dispatcher, cfg dispatch.Config) {
	interval := time.Second / time.Duration(cfg.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Tick(now)
		}
	}
}

// resolveChallenger builds the integrity oracle from a base64 key file
// or the RIFTNETD_INTEGRITY_KEY environment variable. A deployment that
// sets neither runs without the integrity handshake.
func resolveChallenger(keyFile string) (integrity.Challenger, error) {
	raw := strings.TrimSpace(os.Getenv("RIFTNETD_INTEGRITY_KEY"))
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read integrity key file: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		return nil, nil
	}
	keyBytes, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode integrity key: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("integrity key must be 32 bytes, got %d", len(keyBytes))
	}
	var key [32]byte
	copy(key[:], keyBytes)
	return integrity.NewKeyedChallenger(key), nil
}

func runProfileCBOR(args []string) {
	fs := flag.NewFlagSet("profile-cbor", flag.ExitOnError)
	decode := fs.Bool("decode", false, "decode CBOR into JSON")
	inPath := fs.String("in", "", "input file (defaults to stdin)")
	outPath := fs.String("out", "", "output file (defaults to stdout)")
	base64Mode := fs.Bool("base64", false, "read/write base64-wrapped CBOR")
	_ = fs.Parse(args)

	input, err := readInput(*inPath)
	if err != nil {
		fatalf("profile-cbor read input: %v", err)
	}

	if *decode {
		if *base64Mode {
			input, err = decodeBase64(input)
			if err != nil {
				fatalf("profile-cbor decode base64: %v", err)
			}
		}
		profileVal, err := cborprofile.Decode(input)
		if err != nil {
			fatalf("profile-cbor decode: %v", err)
		}
		out, err := json.MarshalIndent(profileVal, "", "  ")
		if err != nil {
			fatalf("profile-cbor marshal json: %v", err)
		}
		if err := writeOutput(*outPath, out); err != nil {
			fatalf("profile-cbor write output: %v", err)
		}
		return
	}

	var profileVal qos.Profile
	if err := json.Unmarshal(input, &profileVal); err != nil {
		fatalf("profile-cbor unmarshal json: %v", err)
	}
	out, err := cborprofile.Encode(profileVal)
	if err != nil {
		fatalf("profile-cbor encode: %v", err)
	}
	if *base64Mode {
		out = []byte(base64.StdEncoding.EncodeToString(out))
	}
	if err := writeOutput(*outPath, out); err != nil {
		fatalf("profile-cbor write output: %v", err)
	}
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
		_, err := os.Stdout.Write([]byte("\n"))
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func decodeBase64(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("empty base64 input")
	}
	return base64.StdEncoding.DecodeString(trimmed)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
