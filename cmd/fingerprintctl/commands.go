package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/care/fingerprint/internal/protocol"
	"github.com/care/fingerprint/internal/status"
	"github.com/care/fingerprint/internal/store"
)

func runCapture(args []string) error {
	return runSlotCommand("capture", "/register", args)
}

func runDelete(args []string) error {
	return runSlotCommand("delete", "/delete", args)
}

func runSlotCommand(name, path string, args []string) error {
	var server string
	flagSet := newFlagSet(name, &server)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: fingerprintctl %s <id>", name)
	}
	id, err := protocol.ParseID(flagSet.Arg(0))
	if err != nil {
		return err
	}

	reply, err := newClient(server).command(context.Background(), path, id)
	if err != nil {
		return err
	}
	printReply(reply)
	return nil
}

func printReply(r commandReply) {
	ack := "ok"
	if !r.AckValid {
		ack = "mismatch"
	}
	fmt.Printf("%s  ack=%s  %dms\n  %s\n", r.Token, ack, r.ElapsedMS, r.Instruction)
	if r.Removed > 0 {
		fmt.Printf("  removed %d history rows\n", r.Removed)
	}
}

func runStatus(args []string) error {
	var server string
	flagSet := newFlagSet("status", &server)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	snap, err := newClient(server).status(context.Background())
	if err != nil {
		return err
	}
	printSnapshot(snap)
	return nil
}

func printSnapshot(s status.Snapshot) {
	line := fmt.Sprintf("%s  %s", s.UpdatedAt.Format(time.TimeOnly), s.State)
	if s.ID != nil {
		line += fmt.Sprintf("  id=%d", *s.ID)
	}
	if op := s.Operation; op != nil {
		line += fmt.Sprintf("  [%s %s]", op.Token, op.Phase)
		if op.Instruction != "" {
			line += " " + op.Instruction
		}
		if op.Error != "" {
			line += " error: " + op.Error
		}
	}
	fmt.Println(line)
}

func runMonitor(args []string) error {
	var server string
	flagSet := newFlagSet("monitor", &server)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newClient(server).watch(ctx, printSnapshot)
}

func runDetections(args []string) error {
	var server string
	flagSet := newFlagSet("detections", &server)
	id := flagSet.Int("id", 0, "only rows of this fingerprint id")
	recent := flagSet.Int("recent", 0, "only the N latest detections")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	var filter *int
	if flagSet.Changed("id") {
		filter = id
	}

	records, err := newClient(server).detections(context.Background(), filter, *recent)
	if err != nil {
		return err
	}
	printRecords(records)
	return nil
}

func printRecords(records []store.Record) {
	if len(records) == 0 {
		fmt.Println("no records")
		return
	}
	stamp := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.Format(time.DateTime)
	}
	fmt.Printf("%-6s %-4s %-19s %-19s\n", "ROW", "ID", "ENROLLED", "DETECTED")
	for _, r := range records {
		fmt.Printf("%-6d %-4d %-19s %-19s\n", r.RowID, r.FingerprintID, stamp(r.EnrolledAt), stamp(r.DetectedAt))
	}
}
