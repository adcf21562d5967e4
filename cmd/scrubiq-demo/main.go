// Command scrubiq-demo is a minimal smoke-test harness for the core: it
// unlocks a vault, then for each non-empty line read from stdin redacts it,
// restores it under the research and safe_harbor privacy modes, and prints
// the audit chain verification result, until stdin is exhausted. It
// is not a product CLI — there is no HTTP surface, no flag-driven batch
// mode, no config file discovery beyond what internal/config already does
// — just enough wiring to exercise the façade end to end.
//
// Usage:
//
//	echo "Patient John Smith, SSN 123-45-6789, DOB 01/15/1985" | ./scrubiq-demo
//	SCRUBIQ_KEY=... ./scrubiq-demo < input.txt
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"scrubiq/internal/config"
	"scrubiq/internal/logger"
	"scrubiq/internal/session"
)

func main() {
	cfg := config.Load()
	log := logger.New("scrubiq-demo", cfg.LogLevel)

	printBanner(cfg)

	sess, err := session.New(cfg, log, nil)
	if err != nil {
		log.Fatalf("startup", "opening vault: %v", err)
	}
	defer sess.Close()

	keyMaterial := os.Getenv("SCRUBIQ_KEY")
	if keyMaterial == "" {
		keyMaterial = "demo-key-change-me"
		fmt.Fprintln(os.Stderr, "SCRUBIQ_KEY not set, using a fixed demo key — do not use this vault for real data")
	}
	if err := sess.Unlock(keyMaterial); err != nil {
		log.Fatalf("unlock", "unlocking vault: %v", err)
	}
	defer sess.Lock()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Enter text to redact (Ctrl-D to exit):")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		runOnce(sess, line)
	}
}

func runOnce(sess *session.Session, line string) {
	result, err := sess.Redact(context.Background(), line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redact failed: %v\n", err)
		return
	}
	fmt.Printf("redacted:    %s\n", result.Redacted)
	fmt.Printf("spans:       %d, tokens created: %d, needs review: %d\n",
		len(result.Spans), result.TokensCreated, len(result.NeedsReview))

	research, err := sess.Restore(result.Redacted, session.ModeResearch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restore (research) failed: %v\n", err)
	} else {
		fmt.Printf("research:    %s\n", research.Restored)
	}

	safeHarbor, err := sess.Restore(result.Redacted, session.ModeSafeHarbor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restore (safe_harbor) failed: %v\n", err)
	} else {
		fmt.Printf("safe harbor: %s\n", safeHarbor.Restored)
	}

	chain, err := sess.VerifyAuditChain()
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit chain verification failed: %v\n", err)
	} else {
		fmt.Printf("audit chain valid: %v (%d entries)\n\n", chain.Valid, chain.TotalEntries)
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          ScrubIQ Core Demo  (Go)                      ║
╚══════════════════════════════════════════════════════╝
  Vault file        : %s
  Default privacy   : %s
  Max concurrent    : %d
  Max queue depth    : %d

`, cfg.VaultDBPath, cfg.DefaultPrivacyMode, cfg.MaxConcurrentDetections, cfg.MaxQueueDepth)
}
