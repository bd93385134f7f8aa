// Command server runs the development chat backend with an operator console.
package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/puyokura/dashchat/config"
	"github.com/puyokura/dashchat/devserver"
	"github.com/puyokura/dashchat/logger"
)

const logDir = "logs"

func setupLogging(level string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return logger.NewWithWriter("dashchat-devserver", level, io.MultiWriter(os.Stdout, logFile)), logFile, nil
}

// compressLog archives the session log next to it as logs-<timestamp>.tar.gz.
func compressLog(source string) (string, error) {
	target := filepath.Join(logDir, fmt.Sprintf("logs-%s.tar.gz", time.Now().Format("20060102-150405")))

	file, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("open log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat log: %w", err)
	}

	outFile, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer outFile.Close()

	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	header, err := tar.FileInfoHeader(info, info.Name())
	if err != nil {
		return "", fmt.Errorf("tar header: %w", err)
	}
	header.Name = "server.log"
	if err := tw.WriteHeader(header); err != nil {
		return "", fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return "", fmt.Errorf("compress log: %w", err)
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	return target, gw.Close()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	log, logFile, err := setupLogging(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer func() {
		_ = logFile.Close()
		if archive, err := compressLog(logFile.Name()); err == nil {
			_ = os.Remove(logFile.Name())
			fmt.Println("Log compressed to", archive)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	users := devserver.NewUsers(cfg.UsersFile)
	if err := users.Load(); err != nil {
		log.Error("loading users", slog.String("error", err.Error()))
	}
	messages, err := devserver.OpenMessages(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer messages.Close()

	srv := devserver.New(cfg, users, messages, log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go srv.Run(hubCtx)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server started", slog.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	consoleDone := make(chan struct{})
	go func() {
		(&console{srv: srv, out: os.Stdout}).run(ctx, os.Stdin)
		close(consoleDone)
	}()

	select {
	case <-ctx.Done():
	case <-consoleDone:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	stopHub()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
