package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adeboyed/Parliament/internal/cli"
	"github.com/adeboyed/Parliament/internal/client"
	"github.com/adeboyed/Parliament/internal/worker"
	"github.com/adeboyed/Parliament/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <standalone|cluster>")
		os.Exit(1)
	}

	cfg := cli.LocalConfig{Ministers: 1, Workers: 2, Executor: worker.DefaultClosures()}
	switch mode := os.Args[1]; mode {
	case "standalone":
	case "cluster":
		cfg.Ministers = 2
		cfg.Consensus = true
	default:
		log.Fatalf("Unknown mode %q", mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cluster, err := cli.StartLocal(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start cluster: %v", err)
	}
	defer cluster.Stop()

	fmt.Printf("✓ Cluster started (%d ministers, consensus=%v, %d workers)\n", cfg.Ministers, cfg.Consensus, cfg.Workers)
	fmt.Printf("  Users connect to %s\n", cluster.UserAddr())

	s, err := client.Connect(ctx, cluster.UserAddr(), "demo:latest", 5*time.Second)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	fmt.Printf("✓ Connected as user %s\n", s.UserID())

	// upper each element, concat into one block, split it back out
	err = s.Submit(ctx,
		client.Input(1, []byte("a,b"), []byte("c"), []byte("d")),
		client.Map(2, types.SingleInSingleOut, "upper"),
		client.Map(3, types.MultiInSingleOut, "concat"),
		client.Map(4, types.SingleInMultiOut, "split"),
	)
	if err != nil {
		log.Fatalf("Failed to submit: %v", err)
	}
	fmt.Println("✓ Submitted chain: input → upper → concat → split")

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	status, err := s.Wait(waitCtx, 4, 50*time.Millisecond)
	if err != nil {
		log.Fatalf("Chain did not finish: %v", err)
	}

	statuses, err := s.Status(ctx, 2, 3, 4)
	if err != nil {
		log.Fatalf("Failed to query status: %v", err)
	}
	fmt.Printf("\n📊 Job Status:\n")
	for _, st := range statuses {
		fmt.Printf("  Job %d: %s\n", st.JobID, st.Status)
	}

	if status == types.JobCompleted {
		blocks, err := s.Data(ctx, 4)
		if err != nil {
			log.Fatalf("Failed to fetch results: %v", err)
		}
		fmt.Printf("\n📦 Results of job 4:\n")
		for i, b := range blocks {
			fmt.Printf("  [%d] %s\n", i, b)
		}
	}

	var done int64
	for _, a := range cluster.Agents {
		done += a.Completed()
	}
	fmt.Printf("\n  Tasks completed by workers: %d\n", done)

	_ = s.Close(ctx)
	fmt.Println("\nPress Ctrl+C to stop the cluster")
	<-ctx.Done()
	fmt.Println("\nReceived shutdown signal, stopping...")
}
