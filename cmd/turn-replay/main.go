// turn-replay plays a scripted conversation against a fully in-memory
// wiring: memory kvstore, keyword classifier, no broker. It prints what
// each turn decided and the final stack, and exits non-zero when a turn's
// expected intent did not come out.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"dialog/internal/catalog"
	"dialog/internal/classify"
	"dialog/internal/config"
	"dialog/internal/domain"
	"dialog/internal/inherit"
	"dialog/internal/kvstore"
	"dialog/internal/sources"
	"dialog/internal/stack"
	"dialog/internal/transfer"
	"dialog/internal/turns"
)

type stdoutEvents struct{}

func (stdoutEvents) PublishTurn(domain.TurnEvent) {}

func (stdoutEvents) PublishFrame(evt domain.FrameEvent) {
	fmt.Printf("  frame %s %s status=%s depth=%d\n", evt.Action, evt.Intent, evt.Status, evt.Depth)
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: turn-replay <rules.yaml> <script.yaml>")
		os.Exit(2)
	}

	// Service logs go to stderr so stdout stays a clean transcript.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	pack, err := config.LoadRulePack(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	script, err := config.LoadReplayScript(os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	store := kvstore.NewMemory()
	defer store.Close()

	registry := catalog.NewRegistry(0)
	registry.Seed(pack.Definitions())

	classifier := classify.NewStatic(pack.StaticRules(), classify.Result{Intent: domain.IntentUnknown, Confidence: 0.2})
	stackMgr := stack.New(stack.DefaultConfig(), store, registry, logger)

	transfers := transfer.New(transfer.DefaultConfig(), classifier, stackMgr, logger)
	for _, rule := range pack.Transfers() {
		if _, err := transfers.AddRule(rule); err != nil {
			fmt.Fprintf(os.Stderr, "transfer rule %s: %v\n", rule.ID, err)
			os.Exit(1)
		}
	}

	cache := inherit.NewCache(store, 0, logger)
	inherits := inherit.New(inherit.NewTransforms(), cache, logger)
	for _, rule := range pack.Inheritances() {
		if _, err := inherits.AddRule(rule); err != nil {
			fmt.Fprintf(os.Stderr, "inheritance rule %s: %v\n", rule.ID, err)
			os.Exit(1)
		}
	}

	profiles := sources.NewProfile(store)
	history := sources.NewHistory(store, 0)
	deps := sources.NewDependency(store, 0)
	collector := sources.NewCollector(0, []sources.Source{
		sources.NewSession(stackMgr),
		history,
		profiles,
		deps,
		sources.NewDefaults(registry),
	}, logger)

	if script.Profile != nil {
		if err := profiles.Save(ctx, script.Profile.Profile(script.UserID)); err != nil {
			fmt.Fprintf(os.Stderr, "seed profile: %v\n", err)
			os.Exit(1)
		}
	}

	svc := turns.New(stackMgr, transfers, inherits, collector, history, deps, stdoutEvents{}, logger)

	fmt.Printf("session %s, user %s, %d turns\n\n", script.SessionID, script.UserID, len(script.Turns))

	failures := 0
	for i, turn := range script.Turns {
		fmt.Printf("turn %d> %s\n", i+1, turn.Text)

		req := domain.TurnRequest{
			SessionID: script.SessionID,
			UserID:    script.UserID,
			Text:      turn.Text,
		}
		if turn.Error {
			req.Context = map[string]any{"error": true}
		}

		result, err := svc.ProcessTurn(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "turn %d: %v\n", i+1, err)
			os.Exit(1)
		}

		d := result.Decision
		if d.ShouldTransfer {
			fmt.Printf("  transfer %s trigger=%s target=%s rule=%s\n", d.TransferType, d.Trigger, d.TargetIntent, d.RuleID)
		} else {
			fmt.Printf("  stay (%s)\n", d.Reason)
		}

		active := ""
		if result.ActiveFrame != nil {
			active = result.ActiveFrame.Intent
			fmt.Printf("  active %s depth=%d missing=%v\n", active, result.Depth, result.ActiveFrame.MissingSlots)
		} else {
			fmt.Printf("  active none depth=%d\n", result.Depth)
		}

		if result.Inherited != nil {
			slots := make([]string, 0, len(result.Inherited.Sources))
			for slot := range result.Inherited.Sources {
				slots = append(slots, slot)
			}
			sort.Strings(slots)
			for _, slot := range slots {
				fmt.Printf("  inherited %s=%v from %s\n", slot, result.Inherited.Values[slot], result.Inherited.Sources[slot])
			}
		}

		if turn.ExpectIntent != "" && active != turn.ExpectIntent {
			failures++
			fmt.Printf("  FAIL expected active intent %q, got %q\n", turn.ExpectIntent, active)
		}
		fmt.Println()
	}

	frames, err := stackMgr.Frames(ctx, script.SessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read final stack: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("final stack, bottom to top:")
	if len(frames) == 0 {
		fmt.Println("  empty")
	}
	for _, f := range frames {
		fmt.Printf("  [%d] %s status=%s progress=%.2f slots=%v missing=%v\n",
			f.Depth, f.Intent, f.Status, f.Progress, f.Slots, f.MissingSlots)
	}

	stats := cache.Statistics()
	fmt.Printf("inheritance cache: hits=%d misses=%d hit_rate=%.2f\n", stats.Hits, stats.Misses, stats.HitRate)

	if failures > 0 {
		fmt.Printf("%d expectation failure(s)\n", failures)
		os.Exit(1)
	}
}
