package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vidvault/internal/client"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

func main() {
	server := pflag.StringP("server", "s", os.Getenv("VIDVAULT_SERVER"), "server base URL (env VIDVAULT_SERVER)")
	tokenFlag := pflag.StringP("token", "t", os.Getenv("VIDVAULT_TOKEN"), "principal token (env VIDVAULT_TOKEN)")
	replace := pflag.String("replace", "", "slug of the asset to replace; requires a single file")
	chunkSize := pflag.String("chunk-size", "", "initial chunk size, e.g. 2MB (adapts between files)")
	retries := pflag.Int("retries", client.DefaultRetries, "retries per chunk")
	pflag.Parse()

	if *server == "" {
		fmt.Fprintln(os.Stderr, "Error: --server or VIDVAULT_SERVER is required")
		os.Exit(1)
	}

	var initial int64
	if *chunkSize != "" {
		n, err := humanize.ParseBytes(*chunkSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid chunk size %q: %v\n", *chunkSize, err)
			os.Exit(1)
		}
		initial = int64(n)
	}

	files, err := client.ParseArgs(pflag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *replace != "" && len(files) != 1 {
		fmt.Fprintln(os.Stderr, "Error: --replace takes exactly one file")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	uploader := client.NewUploader(client.Options{
		BaseURL:  *server,
		Token:    *tokenFlag,
		Retries:  *retries,
		Tuner:    client.NewTuner(initial),
		Progress: printProgress,
	})

	failed := 0
	for _, file := range files {
		res, err := uploader.Upload(ctx, file, *replace)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\n✗ %s: %v\n", file.Name, err)
			failed++
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if res.Duplicate {
			fmt.Printf("\n✓ %s already published as %s\n", file.Name, res.Slug)
		} else {
			fmt.Printf("\n✓ %s published as %s (%s)\n", file.Name, res.Slug, humanize.Bytes(uint64(res.Size)))
		}
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d uploads failed\n", failed, len(files))
		os.Exit(1)
	}
}

func printProgress(p client.Progress) {
	fmt.Printf("\r%s: chunk %d/%d, %s of %s (%s chunks)",
		p.Filename, p.Chunk, p.Chunks,
		humanize.Bytes(uint64(p.Sent)), humanize.Bytes(uint64(p.Total)),
		humanize.Bytes(uint64(p.ChunkSize)))
}
