// Package main is the entry point for the wifctl CLI.
//
// wifctl provisions Google Cloud Workload Identity Federation for external
// CI identities: a workload identity pool, an OIDC provider under it, and a
// workloadIdentityUser grant on a service account, all as idempotent ensure
// operations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"gopkg.in/yaml.v3"

	"github.com/keyless-ci/wifctl/pkg/gcp"
	"github.com/keyless-ci/wifctl/pkg/wif"
)

const (
	exitError           = 1
	exitValidationError = 2
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "ensure":
		return cmdEnsure(ctx, cmdArgs)
	case "validate":
		return cmdValidate(ctx, cmdArgs)
	case "teardown":
		return cmdTeardown(ctx, cmdArgs)
	case "list":
		return cmdList(ctx, cmdArgs)
	case "describe":
		return cmdDescribe(ctx, cmdArgs)
	case "version":
		return cmdVersion()
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nRun 'wifctl help' for usage", cmd)
	}
}

func printUsage() {
	fmt.Println(`wifctl - Workload Identity Federation provisioning for CI

Usage:
  wifctl <command> [options]

Commands:
  ensure      Create or re-assert a federation binding (idempotent)
  validate    Validate a provisioned binding
  teardown    Remove a binding and its resources
  list        List provisioned bindings
  describe    Show details of a binding
  version     Show version information
  help        Show this help message

Ensure Options (File-based):
  -f, --file <path>         Binding file (YAML or JSON)

Ensure Options (Flag-based):
  --project-id <id>         Project ID
  --project-number <num>    Project number
  --pool-id <id>            Workload identity pool ID
  --provider-id <id>        OIDC provider ID within the pool
  --issuer <url>            External OIDC issuer URL (default: GitHub Actions)
  --repository <org/repo>   The single repository admitted by the binding
  --service-account <email> Service account to impersonate
  --audience <aud>          Allowed token audience (optional)
  --display-name <name>     Pool display name (optional)

Common Options:
  --dry-run                 Show what would be done without making changes
  --state <path>            State file path (default: ~/.wifctl/state.json)
  --output <fmt>            Output format: text, env, json (default: text)
  -v, --verbose             Verbose output

Validate Options:
  --ref <id>                Binding reference ID
  --timeout <duration>      Validation timeout (e.g., 30s, 1m)

Teardown Options:
  --ref <id>                Binding reference ID
  --force                   Delete the pool even when not owned
  --yes                     Skip confirmation prompt

Examples:
  # Provision federation for a GitHub repository
  wifctl ensure \
    --project-id my-project \
    --project-number 123456789012 \
    --pool-id github-pool \
    --provider-id github-provider \
    --repository myorg/myrepo \
    --service-account deploy@my-project.iam.gserviceaccount.com

  # Provision from a binding file
  wifctl ensure -f binding.yaml

  # Emit outputs for a CI secret store
  wifctl ensure -f binding.yaml --output env

  # Validate an existing binding
  wifctl validate --ref wif-github-pool-abc12345

  # Tear a binding down
  wifctl teardown --ref wif-github-pool-abc12345 --yes`)
}

// CLI options for ensure
type ensureOpts struct {
	bindingFile string

	projectID      string
	projectNumber  string
	poolID         string
	providerID     string
	issuer         string
	repository     string
	serviceAccount string
	audience       string
	displayName    string

	dryRun    bool
	statePath string
	output    string
	verbose   bool
}

func parseEnsureOpts(args []string) (*ensureOpts, error) {
	opts := &ensureOpts{
		statePath: wif.DefaultStateStorePath(),
		output:    "text",
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f", "--file":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--file requires a path argument")
			}
			opts.bindingFile = args[i+1]
			i++
		case "--project-id":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--project-id requires an argument")
			}
			opts.projectID = args[i+1]
			i++
		case "--project-number":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--project-number requires an argument")
			}
			opts.projectNumber = args[i+1]
			i++
		case "--pool-id":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--pool-id requires an argument")
			}
			opts.poolID = args[i+1]
			i++
		case "--provider-id":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--provider-id requires an argument")
			}
			opts.providerID = args[i+1]
			i++
		case "--issuer":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--issuer requires an argument")
			}
			opts.issuer = args[i+1]
			i++
		case "--repository":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--repository requires an argument")
			}
			opts.repository = args[i+1]
			i++
		case "--service-account":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--service-account requires an argument")
			}
			opts.serviceAccount = args[i+1]
			i++
		case "--audience":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--audience requires an argument")
			}
			opts.audience = args[i+1]
			i++
		case "--display-name":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--display-name requires an argument")
			}
			opts.displayName = args[i+1]
			i++
		case "--dry-run":
			opts.dryRun = true
		case "--state":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--state requires a path argument")
			}
			opts.statePath = args[i+1]
			i++
		case "--output", "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--output requires an argument")
			}
			opts.output = args[i+1]
			i++
		case "-v", "--verbose":
			opts.verbose = true
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}

	if opts.bindingFile == "" && opts.poolID == "" {
		return nil, fmt.Errorf("either --file or the flag set starting with --pool-id is required")
	}
	if opts.bindingFile != "" && opts.poolID != "" {
		return nil, fmt.Errorf("--file and flag-based input are mutually exclusive")
	}

	return opts, nil
}

// buildBindingFromFlags creates a FederationBinding from command-line flags,
// defaulting the issuer, attribute mapping, and condition for GitHub Actions.
func buildBindingFromFlags(opts *ensureOpts) (*wif.FederationBinding, error) {
	if opts.projectID == "" {
		return nil, fmt.Errorf("--project-id is required")
	}
	if opts.projectNumber == "" {
		return nil, fmt.Errorf("--project-number is required")
	}
	if opts.providerID == "" {
		return nil, fmt.Errorf("--provider-id is required")
	}
	if opts.repository == "" {
		return nil, fmt.Errorf("--repository is required")
	}
	if opts.serviceAccount == "" {
		return nil, fmt.Errorf("--service-account is required")
	}

	binding := &wif.FederationBinding{
		ProjectID:           opts.projectID,
		ProjectNumber:       opts.projectNumber,
		PoolID:              opts.poolID,
		PoolDisplayName:     opts.displayName,
		ProviderID:          opts.providerID,
		IssuerURI:           opts.issuer,
		ServiceAccountEmail: opts.serviceAccount,
		Repository:          opts.repository,
	}
	if opts.audience != "" {
		binding.AllowedAudiences = []string{opts.audience}
	}

	return binding, nil
}

// applyBindingDefaults fills the GitHub Actions issuer, attribute mapping, and
// condition for fields the caller left empty, whether the binding came from
// flags or a file. Populated fields are never overridden.
func applyBindingDefaults(b *wif.FederationBinding) {
	if b.IssuerURI == "" {
		b.IssuerURI = wif.GitHubIssuerURI
	}
	if len(b.AttributeMapping) == 0 {
		b.AttributeMapping = wif.GitHubAttributeMapping()
	}
	if b.AttributeCondition == "" && b.Repository != "" {
		b.AttributeCondition = wif.GitHubAttributeCondition(b.Repository)
	}
}

func cmdEnsure(ctx context.Context, args []string) error {
	opts, err := parseEnsureOpts(args)
	if err != nil {
		return err
	}

	var binding *wif.FederationBinding
	if opts.bindingFile != "" {
		binding, err = loadBinding(opts.bindingFile)
		if err != nil {
			return fmt.Errorf("failed to load binding: %w", err)
		}
	} else {
		binding, err = buildBindingFromFlags(opts)
		if err != nil {
			return err
		}
	}

	applyBindingDefaults(binding)

	if err := binding.Validate(); err != nil {
		return fmt.Errorf("invalid binding: %w", err)
	}

	logger := logr.Discard()
	if opts.verbose {
		logger = stdr.New(log.New(os.Stderr, "", log.LstdFlags))
	}

	provOpts := []wif.ProvisionerOption{wif.WithLogger(logger)}
	client, err := gcp.NewClient(ctx)
	if err != nil {
		if !opts.dryRun {
			return fmt.Errorf("failed to create iam client (configure credentials or use --dry-run): %w", err)
		}
		fmt.Fprintf(os.Stderr, "warning: no iam client, planning without probing: %v\n", err)
	} else {
		provOpts = append(provOpts,
			wif.WithWorkloadIdentityClient(client),
			wif.WithServiceAccountClient(client),
		)
	}

	provisioner := wif.NewProvisioner(provOpts...)

	result, err := provisioner.Ensure(ctx, binding, wif.EnsureOptions{DryRun: opts.dryRun})
	if err != nil {
		return fmt.Errorf("ensure failed: %w", err)
	}

	if opts.dryRun {
		fmt.Println("=== Dry-run Plan ===")
		fmt.Println(result.Plan.Summary)
		for _, action := range result.Plan.Actions {
			fmt.Printf("  %s %s %s\n", action.Operation, action.ResourceType, action.ResourceID)
		}
		return nil
	}

	// Record the ref so validate/teardown can find it later.
	stateStore, err := wif.NewFileStateStore(opts.statePath)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}
	ref := wif.NewBindingRef(binding)
	if poolOutcome, ok := result.Steps[wif.StepPool]; ok && poolOutcome == wif.OutcomeAlreadyExisted {
		// A pre-existing pool is not ours to tear down.
		ref.Owned = false
	}
	if err := stateStore.Save(ctx, ref); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to save binding state: %v\n", err)
	}

	return printResult(result, ref, opts.output)
}

// printResult emits the three downstream values in the requested format.
func printResult(result *wif.ProvisioningResult, ref wif.BindingRef, output string) error {
	switch output {
	case "env":
		fmt.Printf("WIF_PROVIDER=%s\n", result.ProviderResource)
		fmt.Printf("WIF_SERVICE_ACCOUNT=%s\n", result.ServiceAccountEmail)
		fmt.Printf("WIF_PROJECT_ID=%s\n", result.ProjectID)
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "text":
		fmt.Println("=== Ensure Complete ===")
		fmt.Printf("Binding ID: %s\n", ref.ID)
		for _, step := range []wif.StepName{wif.StepPool, wif.StepProvider, wif.StepBinding} {
			if outcome, ok := result.Steps[step]; ok {
				fmt.Printf("  %s: %s\n", step, outcome)
			}
		}
		fmt.Println("\nOutputs:")
		fmt.Printf("  provider: %s\n", result.ProviderResource)
		fmt.Printf("  service_account: %s\n", result.ServiceAccountEmail)
		fmt.Printf("  project_id: %s\n", result.ProjectID)
	default:
		return fmt.Errorf("unknown output format: %s", output)
	}
	return nil
}

type validateOpts struct {
	refID     string
	timeout   time.Duration
	statePath string
}

func parseValidateOpts(args []string) (*validateOpts, error) {
	opts := &validateOpts{
		statePath: wif.DefaultStateStorePath(),
		timeout:   30 * time.Second,
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--ref":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--ref requires an ID argument")
			}
			opts.refID = args[i+1]
			i++
		case "--timeout":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeout requires a duration argument")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid timeout duration: %w", err)
			}
			opts.timeout = d
			i++
		case "--state":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--state requires a path argument")
			}
			opts.statePath = args[i+1]
			i++
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}

	if opts.refID == "" {
		return nil, fmt.Errorf("--ref is required")
	}

	return opts, nil
}

func cmdValidate(ctx context.Context, args []string) error {
	opts, err := parseValidateOpts(args)
	if err != nil {
		return err
	}

	stateStore, err := wif.NewFileStateStore(opts.statePath)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}

	ref, err := stateStore.Get(ctx, opts.refID)
	if err != nil {
		return fmt.Errorf("binding not found: %w", err)
	}

	client, err := gcp.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create iam client: %w", err)
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	fmt.Printf("Validating binding: %s\n", ref.ID)

	validators := wif.StandardValidators(*ref, client, client)
	report := wif.RunValidation(ctx, *ref, validators)

	fmt.Println("\n=== Validation Report ===")
	fmt.Printf("Binding: %s\n", report.Ref.ID)
	fmt.Printf("Valid: %t\n", report.IsValid())
	fmt.Printf("Checks: %d passed, %d failed, %d skipped\n",
		report.Summary.PassedChecks,
		report.Summary.FailedChecks,
		report.Summary.SkippedChecks)

	for _, check := range report.Checks {
		status := "✓"
		switch check.Status {
		case wif.CheckStatusFailed:
			status = "✗"
		case wif.CheckStatusSkipped:
			status = "○"
		}

		fmt.Printf("\n%s %s [%s]\n", status, check.Name, check.Severity)
		if check.Status == wif.CheckStatusFailed && check.Remediation != "" {
			fmt.Printf("  Remediation: %s\n", check.Remediation)
		}
	}

	if !report.IsValid() {
		os.Exit(exitValidationError)
	}

	return nil
}

type teardownOpts struct {
	refID     string
	dryRun    bool
	force     bool
	yes       bool
	statePath string
}

func parseTeardownOpts(args []string) (*teardownOpts, error) {
	opts := &teardownOpts{
		statePath: wif.DefaultStateStorePath(),
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--ref":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--ref requires an ID argument")
			}
			opts.refID = args[i+1]
			i++
		case "--dry-run":
			opts.dryRun = true
		case "--force":
			opts.force = true
		case "--yes", "-y":
			opts.yes = true
		case "--state":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--state requires a path argument")
			}
			opts.statePath = args[i+1]
			i++
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}

	if opts.refID == "" {
		return nil, fmt.Errorf("--ref is required")
	}

	return opts, nil
}

func cmdTeardown(ctx context.Context, args []string) error {
	opts, err := parseTeardownOpts(args)
	if err != nil {
		return err
	}

	stateStore, err := wif.NewFileStateStore(opts.statePath)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}

	ref, err := stateStore.Get(ctx, opts.refID)
	if err != nil {
		return fmt.Errorf("binding not found: %w", err)
	}

	if !opts.yes && !opts.dryRun {
		fmt.Printf("About to tear down binding: %s\n", ref.ID)
		fmt.Printf("Resources: %v\n", ref.ResourceIDs)
		fmt.Print("\nAre you sure? [y/N]: ")

		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" && response != "yes" {
			fmt.Println("Cancelled")
			return nil
		}
	}

	client, err := gcp.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create iam client: %w", err)
	}

	provisioner := wif.NewProvisioner(
		wif.WithWorkloadIdentityClient(client),
		wif.WithServiceAccountClient(client),
	)

	if opts.dryRun {
		fmt.Println("Dry-run mode: no changes will be made")
	}

	if err := provisioner.Teardown(ctx, *ref, wif.TeardownOptions{
		DryRun: opts.dryRun,
		Force:  opts.force,
	}); err != nil {
		return fmt.Errorf("teardown failed: %w", err)
	}

	if opts.dryRun {
		fmt.Println("Would remove binding and associated resources")
	} else {
		if err := stateStore.Delete(ctx, ref.ID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove binding from state: %v\n", err)
		}
		fmt.Printf("Successfully tore down binding: %s\n", ref.ID)
	}

	return nil
}

type listOpts struct {
	projectID string
	output    string
	statePath string
}

func parseListOpts(args []string) (*listOpts, error) {
	opts := &listOpts{
		statePath: wif.DefaultStateStorePath(),
		output:    "table",
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project-id":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--project-id requires an argument")
			}
			opts.projectID = args[i+1]
			i++
		case "--output", "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--output requires an argument")
			}
			opts.output = args[i+1]
			i++
		case "--state":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--state requires a path argument")
			}
			opts.statePath = args[i+1]
			i++
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}

	return opts, nil
}

func cmdList(ctx context.Context, args []string) error {
	opts, err := parseListOpts(args)
	if err != nil {
		return err
	}

	stateStore, err := wif.NewFileStateStore(opts.statePath)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}

	refs, err := stateStore.List(ctx, wif.ListFilter{ProjectID: opts.projectID})
	if err != nil {
		return fmt.Errorf("failed to list bindings: %w", err)
	}

	if len(refs) == 0 {
		fmt.Println("No bindings found")
		return nil
	}

	switch opts.output {
	case "json":
		data, _ := json.MarshalIndent(refs, "", "  ")
		fmt.Println(string(data))
	case "table":
		fmt.Printf("%-32s %-30s %-6s %s\n", "ID", "REPOSITORY", "OWNED", "CREATED")
		for _, ref := range refs {
			owned := "no"
			if ref.Owned {
				owned = "yes"
			}
			fmt.Printf("%-32s %-30s %-6s %s\n",
				truncate(ref.ID, 32),
				truncate(ref.ResourceIDs["repository"], 30),
				owned,
				ref.CreatedAt.Format("2006-01-02"),
			)
		}
	default:
		return fmt.Errorf("unknown output format: %s", opts.output)
	}

	return nil
}

func cmdDescribe(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("binding ID required")
	}

	refID := args[0]
	statePath := wif.DefaultStateStorePath()

	for i := 1; i < len(args); i++ {
		if args[i] == "--state" && i+1 < len(args) {
			statePath = args[i+1]
			break
		}
	}

	stateStore, err := wif.NewFileStateStore(statePath)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}

	ref, err := stateStore.Get(ctx, refID)
	if err != nil {
		return fmt.Errorf("binding not found: %w", err)
	}

	fmt.Println("=== Binding Details ===")
	fmt.Printf("ID: %s\n", ref.ID)
	fmt.Printf("Owned: %t\n", ref.Owned)
	fmt.Printf("Created: %s\n", ref.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Version: %d\n", ref.Version)

	if len(ref.ResourceIDs) > 0 {
		fmt.Println("\nResources:")
		for k, v := range ref.ResourceIDs {
			fmt.Printf("  %s: %s\n", k, v)
		}
	}

	return nil
}

func cmdVersion() error {
	fmt.Println("wifctl version 0.1.0")
	return nil
}

// Helper functions

// loadBinding reads a FederationBinding from a YAML or JSON file, chosen by
// extension.
func loadBinding(path string) (*wif.FederationBinding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var binding wif.FederationBinding
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &binding); err != nil {
			return nil, fmt.Errorf("failed to parse binding (YAML): %w", err)
		}
	default:
		if err := json.Unmarshal(data, &binding); err != nil {
			return nil, fmt.Errorf("failed to parse binding (JSON): %w", err)
		}
	}

	return &binding, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
