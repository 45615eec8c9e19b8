package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/categorize"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/export"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/store"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'categorize', 'export', 'validate' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "categorize":
		fs := flag.NewFlagSet("categorize", flag.ExitOnError)
		file := fs.String("file", "", "Transcript file (stdin when empty)")
		configPath := fs.String("config", "", "Configuration file; keyword fallback only when empty")
		fs.Parse(os.Args[2:])
		err = runCategorize(context.Background(), os.Stdout, *file, *configPath)
	case "export":
		fs := flag.NewFlagSet("export", flag.ExitOnError)
		file := fs.String("file", "", "Approved content, one item per line (stdin when empty)")
		profile := fs.String("profile", string(export.ProfileDefault), "Export profile")
		outDir := fs.String("out", "", "Write the document into this directory instead of stdout")
		fs.Parse(os.Args[2:])
		err = runExport(os.Stdout, *file, *profile, *outDir, time.Now())
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		configPath := fs.String("config", "scribe.yaml", "Path to configuration file")
		fs.Parse(os.Args[2:])
		if err = runValidate(*configPath); err == nil {
			fmt.Println("config valid")
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func runCategorize(ctx context.Context, w io.Writer, path, configPath string) error {
	transcript, err := readInput(path)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	var (
		generator llm.Generator
		opts      categorize.Options
	)
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		generator, err = llm.FromConfig(ctx, cfg.LLM)
		if err != nil {
			return err
		}
		opts = categorize.Options{
			Defaults: llm.OptionsFromConfig(cfg.LLM),
			Timeout:  time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond,
		}
	}

	result := categorize.NewAdapter(generator, opts, logger).Categorize(ctx, string(transcript))
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runExport(w io.Writer, path, profileName, outDir string, at time.Time) error {
	data, err := readInput(path)
	if err != nil {
		return err
	}
	var content []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			content = append(content, line)
		}
	}
	if len(content) == 0 {
		return fmt.Errorf("%w: no content to export", export.ErrValidation)
	}

	profile, ok := export.ParseProfile(profileName)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q, using %s\n", profileName, export.ProfileDefault)
	}
	doc := export.Format(content, profile, at)

	if outDir == "" {
		_, err := io.WriteString(w, doc.Text)
		return err
	}
	artifact, err := store.NewDir(outDir).Write(string(doc.Profile), ".txt", []byte(doc.Text))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, artifact.Path)
	return err
}

func runValidate(path string) error {
	if _, err := config.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config %s does not exist", path)
		}
		return err
	}
	return nil
}
