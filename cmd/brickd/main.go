package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	brickd "github.com/brickd-project/brickd"
	"github.com/brickd-project/brickd/internal/logging"
)

func main() {
	var (
		listenAddr = flag.String("listen-address", "", "Address to bind client listeners to (empty = all interfaces)")
		plainPort  = flag.Int("plain-port", 4223, "Plain-TCP client listener port")
		wsPort     = flag.Int("websocket-port", 0, "WebSocket client listener port (0 disables)")
		secretStr  = flag.String("secret", "", "Shared authentication secret (empty disables authentication)")
		localPath  = flag.String("local-socket", "", "UNIX-domain socket path for the local gadget/redapid stack")
		rs485Dev   = flag.String("rs485-device", "", "Termios device path for the RS485 master stack")
		rs485Baud  = flag.Uint("rs485-baud", 115200, "RS485 baud rate")
		spiDev     = flag.String("spi-device", "", "spidev character device path for the RED Brick SPI master stack")
		noUSB      = flag.Bool("no-usb", false, "Disable USB device discovery")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := brickd.DefaultConfig()
	cfg.ListenAddress = *listenAddr
	cfg.PlainPort = *plainPort
	cfg.WebSocketPort = *wsPort
	cfg.LocalSocketPath = *localPath
	cfg.RS485Device = *rs485Dev
	cfg.RS485Baud = uint32(*rs485Baud)
	cfg.SPIDevicePath = *spiDev
	cfg.EnableUSB = !*noUSB
	cfg.Secret = []byte(*secretStr)
	cfg.Logger = logger

	daemon, err := brickd.New(cfg)
	if err != nil {
		logger.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}

	logger.Info("starting brickd",
		"plain_port", cfg.PlainPort,
		"websocket_port", cfg.WebSocketPort,
		"usb", cfg.EnableUSB,
		"auth", len(cfg.Secret) > 0)

	fmt.Printf("brickd listening on :%d", cfg.PlainPort)
	if cfg.WebSocketPort != 0 {
		fmt.Printf(" (websocket :%d)", cfg.WebSocketPort)
	}
	fmt.Printf("\nPress Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

			filename := fmt.Sprintf("brickd-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Goroutine stack dump at %s\nProcess ID: %d\n\n", time.Now().Format(time.RFC3339), os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan error, 1)
	go func() {
		runDone <- daemon.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		daemon.Stop()
	case err := <-runDone:
		cancel()
		if err != nil {
			logger.Error("daemon exited with error", "error", err)
			os.Exit(1)
		}
		return
	}

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		logger.Info("shutdown timeout, forcing exit")
	}
	cancel()
}
