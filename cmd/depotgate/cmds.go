package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/depotgate/depotgate/pkg/contracts"
	"github.com/depotgate/depotgate/pkg/staging"
	"github.com/depotgate/depotgate/pkg/store"
)

// runStageCmd stages an artifact from a file or stdin.
//
// Exit codes:
//
//	0 = staged
//	1 = staging rejected (size limit, validation)
//	2 = usage or runtime error
func runStageCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("stage", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profile string
		task    string
		file    string
		role    string
		mime    string
		caused  string
	)
	cmd.StringVar(&profile, "profile", "", "YAML config profile to overlay")
	cmd.StringVar(&task, "task", "", "Root task ID (REQUIRED)")
	cmd.StringVar(&file, "file", "", "Content file path (default: read stdin)")
	cmd.StringVar(&role, "role", "supporting", "Artifact role: plan|final_output|supporting|intermediate")
	cmd.StringVar(&mime, "mime", "", "MIME type (default application/octet-stream)")
	cmd.StringVar(&caused, "caused-by", "", "Receipt ID that produced this artifact")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if task == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --task is required")
		return 2
	}
	parsedRole, err := contracts.ParseArtifactRole(role)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var content io.Reader = os.Stdin
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer f.Close()
		content = f
	}

	ctx := context.Background()
	a, err := newApp(ctx, profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	pointer, err := a.area.Stage(ctx, staging.StageRequest{
		TenantID:            a.cfg.TenantID,
		RootTaskID:          task,
		Content:             content,
		MimeType:            mime,
		Role:                parsedRole,
		ProducedByReceiptID: caused,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, contracts.ErrSizeLimit) || errors.Is(err, contracts.ErrValidation) {
			return 1
		}
		return 2
	}
	return printJSON(stdout, stderr, pointer)
}

// runDeclareCmd declares a deliverable contract.
func runDeclareCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("declare", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profile      string
		task         string
		destination  string
		artifactIDs  string
		roles        string
		requirements string
	)
	cmd.StringVar(&profile, "profile", "", "YAML config profile to overlay")
	cmd.StringVar(&task, "task", "", "Root task ID (REQUIRED)")
	cmd.StringVar(&destination, "destination", "", "Shipping destination (REQUIRED)")
	cmd.StringVar(&artifactIDs, "artifact-ids", "", "Comma-separated artifact IDs to ship")
	cmd.StringVar(&roles, "roles", "", "Comma-separated artifact roles to ship")
	cmd.StringVar(&requirements, "requirements", "", "Closure requirements as a JSON array")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if task == "" || destination == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --task and --destination are required")
		return 2
	}

	spec := contracts.DeliverableSpec{ShippingDestination: destination}
	for _, raw := range splitCSV(artifactIDs) {
		id, err := uuid.Parse(raw)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: bad artifact id %q: %v\n", raw, err)
			return 2
		}
		spec.ArtifactIDs = append(spec.ArtifactIDs, id)
	}
	for _, raw := range splitCSV(roles) {
		role, err := contracts.ParseArtifactRole(raw)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		spec.Roles = append(spec.Roles, role)
	}
	if requirements != "" {
		if err := json.Unmarshal([]byte(requirements), &spec.Requirements); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: bad --requirements: %v\n", err)
			return 2
		}
	}

	ctx := context.Background()
	a, err := newApp(ctx, profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	deliverable, err := a.registry.Declare(ctx, a.cfg.TenantID, task, spec)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return printJSON(stdout, stderr, deliverable)
}

// runClosureCmd evaluates a deliverable's closure requirements.
//
// Exit codes:
//
//	0 = all requirements met
//	1 = requirements unmet
//	2 = usage or runtime error
func runClosureCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("closure", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profile     string
		deliverable string
	)
	cmd.StringVar(&profile, "profile", "", "YAML config profile to overlay")
	cmd.StringVar(&deliverable, "deliverable", "", "Deliverable ID (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	deliverableID, err := uuid.Parse(deliverable)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "Error: --deliverable must be a valid UUID")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	status, err := a.registry.CheckClosure(ctx, a.cfg.TenantID, deliverableID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if rc := printJSON(stdout, stderr, status); rc != 0 {
		return rc
	}
	if !status.AllMet {
		return 1
	}
	return 0
}

// runShipCmd ships a deliverable.
//
// Exit codes:
//
//	0 = shipped
//	1 = rejected (closure unmet, empty selection, already shipped)
//	2 = usage or runtime error
func runShipCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ship", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profile     string
		task        string
		deliverable string
	)
	cmd.StringVar(&profile, "profile", "", "YAML config profile to overlay")
	cmd.StringVar(&task, "task", "", "Root task ID (REQUIRED)")
	cmd.StringVar(&deliverable, "deliverable", "", "Deliverable ID (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	deliverableID, err := uuid.Parse(deliverable)
	if err != nil || task == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --task and a valid --deliverable are required")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	manifest, err := a.shipper.Ship(ctx, a.cfg.TenantID, task, deliverableID)
	if err != nil {
		var notMet *contracts.ClosureNotMetError
		if errors.As(err, &notMet) {
			_ = printJSON(stdout, stderr, notMet.Unmet)
			_, _ = fmt.Fprintf(stderr, "Rejected: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, contracts.ErrEmptyShipment) || errors.Is(err, contracts.ErrAlreadyShipped) {
			return 1
		}
		return 2
	}
	return printJSON(stdout, stderr, manifest)
}

// runPurgeCmd purges staged artifacts.
func runPurgeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("purge", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profile     string
		task        string
		policy      string
		artifactIDs string
	)
	cmd.StringVar(&profile, "profile", "", "YAML config profile to overlay")
	cmd.StringVar(&task, "task", "", "Root task ID (REQUIRED)")
	cmd.StringVar(&policy, "policy", "immediate", "Purge policy: immediate|retain_24h|retain_7d|manual")
	cmd.StringVar(&artifactIDs, "artifact-ids", "", "Comma-separated artifact IDs (default: all staged)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if task == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --task is required")
		return 2
	}
	parsedPolicy, err := contracts.ParsePurgePolicy(policy)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var ids []uuid.UUID
	for _, raw := range splitCSV(artifactIDs) {
		id, err := uuid.Parse(raw)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: bad artifact id %q: %v\n", raw, err)
			return 2
		}
		ids = append(ids, id)
	}

	ctx := context.Background()
	a, err := newApp(ctx, profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	purged, err := a.shipper.Purge(ctx, a.cfg.TenantID, task, parsedPolicy, ids)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return printJSON(stdout, stderr, map[string]any{
		"policy":           string(parsedPolicy),
		"purged_count":     len(purged),
		"purged_artifacts": purged,
	})
}

// runReceiptsCmd lists receipts from the ledger.
func runReceiptsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("receipts", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profile     string
		task        string
		receiptType string
		since       string
		limit       int
		verify      bool
	)
	cmd.StringVar(&profile, "profile", "", "YAML config profile to overlay")
	cmd.StringVar(&task, "task", "", "Filter by root task ID")
	cmd.StringVar(&receiptType, "type", "", "Filter by receipt type")
	cmd.StringVar(&since, "since", "", "Only receipts at or after this RFC3339 timestamp")
	cmd.IntVar(&limit, "limit", 100, "Maximum receipts to return")
	cmd.BoolVar(&verify, "verify", false, "Verify the tenant's hash chain instead of listing")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	filter := store.ReceiptFilter{
		RootTaskID: task,
		Type:       contracts.ReceiptType(receiptType),
		Limit:      limit,
	}
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: bad --since: %v\n", err)
			return 2
		}
		filter.Since = t
	}

	ctx := context.Background()
	a, err := newApp(ctx, profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	if verify {
		ok, err := a.ledger.VerifyChain(ctx, a.cfg.TenantID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if rc := printJSON(stdout, stderr, map[string]any{"tenant_id": a.cfg.TenantID, "chain_valid": ok}); rc != 0 {
			return rc
		}
		if !ok {
			return 1
		}
		return 0
	}

	filter.TenantID = a.cfg.TenantID
	receipts, err := a.ledger.List(ctx, filter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return printJSON(stdout, stderr, receipts)
}

// runShipmentsCmd shows shipment manifests.
func runShipmentsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("shipments", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profile  string
		task     string
		manifest string
	)
	cmd.StringVar(&profile, "profile", "", "YAML config profile to overlay")
	cmd.StringVar(&task, "task", "", "List manifests for a root task")
	cmd.StringVar(&manifest, "manifest", "", "Show a single manifest by ID")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if task == "" && manifest == "" {
		_, _ = fmt.Fprintln(stderr, "Error: specify --task or --manifest")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx, profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	if manifest != "" {
		manifestID, err := uuid.Parse(manifest)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "Error: --manifest must be a valid UUID")
			return 2
		}
		m, err := a.shipper.GetShipment(ctx, a.cfg.TenantID, manifestID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return printJSON(stdout, stderr, m)
	}

	manifests, err := a.shipper.ListShipments(ctx, a.cfg.TenantID, task)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return printJSON(stdout, stderr, manifests)
}

func printJSON(stdout, stderr io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
